// Package billing exposes the subscription lookup the scheduler needs to
// resolve a user's effective plan. The actual billing backend lives outside
// this process; only the status contract is defined here.
package billing

import "context"

// SubscriptionStatus represents the billing state of a user's subscription
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusNone     SubscriptionStatus = "none"
)

// Subscription describes a user's current subscription as reported by the
// billing backend. PlanID links to the plan catalog.
type Subscription struct {
	Status SubscriptionStatus `json:"status"`
	PlanID string             `json:"plan_id,omitempty"`
}

// Entitled reports whether the subscription grants access to its paid plan
func (s Subscription) Entitled() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// Oracle looks up subscription state for a user
type Oracle interface {
	// Subscription returns the user's current subscription. Users without
	// any subscription record get StatusNone, not an error.
	Subscription(ctx context.Context, userID string) (Subscription, error)
}

// StaticOracle is an Oracle backed by a fixed map, used in development
// setups and tests where no billing backend is reachable.
type StaticOracle struct {
	subscriptions map[string]Subscription
}

// NewStaticOracle creates an oracle that answers from the given map
func NewStaticOracle(subscriptions map[string]Subscription) *StaticOracle {
	if subscriptions == nil {
		subscriptions = make(map[string]Subscription)
	}
	return &StaticOracle{subscriptions: subscriptions}
}

// Subscription implements Oracle
func (o *StaticOracle) Subscription(_ context.Context, userID string) (Subscription, error) {
	if sub, ok := o.subscriptions[userID]; ok {
		return sub, nil
	}
	return Subscription{Status: StatusNone}, nil
}
