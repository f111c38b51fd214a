package push

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
)

// UpdateHandler receives project-list updates for a subscribed user
type UpdateHandler func(update ProjectListUpdate)

// SnapshotCache is the slice of the project cache the registry needs:
// evicting a user's snapshot when their live channel is torn down, and
// applying authoritative updates as they arrive.
type SnapshotCache interface {
	ApplyUpdate(userID string, projects []model.Project)
	Invalidate(userID string)
}

// Registry tracks at most one live update channel per user. It is created
// at process start and passed by handle to whatever owns channel lifecycles;
// it is never ambient global state.
//
// Subscribing a user who already holds a channel first tears the old one
// down (unsubscribe plus cache-key eviction) so updates are never delivered
// twice.
type Registry struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	cache  SnapshotCache

	mu      sync.Mutex
	entries map[string]*nats.Subscription
}

// NewRegistry creates an empty subscription registry
func NewRegistry(js nats.JetStreamContext, cache SnapshotCache, logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("push-registry"),
		js:      js,
		cache:   cache,
		entries: make(map[string]*nats.Subscription),
	}
}

// Subscribe establishes the user's live update channel. Incoming updates
// refresh the snapshot cache before reaching the handler, so quota checks
// and subscribers see the same view.
func (r *Registry) Subscribe(userID string, handler UpdateHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[userID]; ok {
		if err := old.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to tear down previous subscription",
				zap.String("user_id", userID),
				zap.Error(err))
		}
		delete(r.entries, userID)
		r.cache.Invalidate(userID)
	}

	sub, err := r.js.Subscribe(projectSubjectPrefix+userID, func(msg *nats.Msg) {
		var update ProjectListUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			r.logger.Error("Failed to unmarshal project list update",
				zap.String("user_id", userID),
				zap.Error(err))
			return
		}

		// The subject is the authority on whose list this is; a payload
		// naming a different user must not poison another snapshot.
		if update.UserID != userID {
			r.logger.Warn("Dropping project list update for mismatched user",
				zap.String("user_id", userID),
				zap.String("payload_user_id", update.UserID))
			msg.Ack()
			return
		}

		r.cache.ApplyUpdate(userID, update.Projects)
		if handler != nil {
			handler(update)
		}
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to project updates: %w", err)
	}

	r.entries[userID] = sub
	r.logger.Info("Subscribed to project updates", zap.String("user_id", userID))
	return nil
}

// Unsubscribe tears down the user's live channel and evicts their snapshot.
// Unsubscribing a user without a channel is a no-op.
func (r *Registry) Unsubscribe(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.entries[userID]
	if !ok {
		return
	}

	if err := sub.Unsubscribe(); err != nil {
		r.logger.Warn("Failed to unsubscribe",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	delete(r.entries, userID)
	r.cache.Invalidate(userID)

	r.logger.Info("Unsubscribed from project updates", zap.String("user_id", userID))
}

// Subscribed reports whether the user currently holds a live channel
func (r *Registry) Subscribed(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	return ok
}

// Close tears down every live channel. Called on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, sub := range r.entries {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to unsubscribe during shutdown",
				zap.String("user_id", userID),
				zap.Error(err))
		}
		delete(r.entries, userID)
		r.cache.Invalidate(userID)
	}
}
