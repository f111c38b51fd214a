// Package push delivers live project-list updates to subscribed clients
// over NATS JetStream. One subject per user; the payload is always the full
// authoritative list so subscribers converge regardless of missed messages.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
)

const (
	projectStreamName    = "PROJECTS"
	projectSubjectPrefix = "projects."
	streamMaxAge         = time.Hour
)

// ProjectListUpdate is the payload published on a user's project subject
type ProjectListUpdate struct {
	UserID      string          `json:"user_id"`
	Projects    []model.Project `json:"projects"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// Publisher publishes project-list updates to JetStream
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher and ensures the PROJECTS stream exists
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		logger: logger.Named("push"),
		js:     js,
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     projectStreamName,
		Subjects: []string{projectSubjectPrefix + "*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		// Each subject only needs its latest list.
		MaxMsgsPerSubject: 1,
	})
	if err != nil {
		if err != nats.ErrStreamNameAlreadyInUse {
			return nil, fmt.Errorf("failed to create project stream: %w", err)
		}
		p.logger.Info("Using existing project stream", zap.String("stream", projectStreamName))
	} else {
		p.logger.Info("Created project stream", zap.String("stream", projectStreamName))
	}

	return p, nil
}

// PublishProjects publishes the user's full project list
func (p *Publisher) PublishProjects(ctx context.Context, userID string, projects []model.Project) error {
	update := ProjectListUpdate{
		UserID:      userID,
		Projects:    projects,
		RefreshedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal project list update: %w", err)
	}

	if _, err := p.js.Publish(projectSubjectPrefix+userID, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish project list update: %w", err)
	}

	p.logger.Debug("Published project list update",
		zap.String("user_id", userID),
		zap.Int("projects", len(projects)))
	return nil
}
