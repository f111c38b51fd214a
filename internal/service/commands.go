// Package service exposes the status machine's operations over NATS so the
// routing layer (and tooling) can drive project lifecycles without linking
// this process. Commands use core NATS request/reply; each command receives
// the machine's structured result on its reply inbox.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
	"github.com/t77yq/research-scheduler/internal/project"
)

const (
	createSubject   = "project.cmd.create"
	toggleSubject   = "project.cmd.toggle"
	deleteSubject   = "project.cmd.delete"
	scheduleSubject = "project.cmd.schedule"

	// commandQueue spreads command handling across instances
	commandQueue = "project-commands"
)

// CreateCommand asks the machine to create a draft project
type CreateCommand struct {
	UserID   string         `json:"user_id"`
	Title    string         `json:"title"`
	Schedule model.Schedule `json:"schedule"`
}

// ToggleCommand asks the machine for a status transition
type ToggleCommand struct {
	UserID string              `json:"user_id"`
	Title  string              `json:"title"`
	Status model.ProjectStatus `json:"status"`
}

// DeleteCommand asks the machine to soft-delete a project
type DeleteCommand struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}

// ScheduleCommand asks the machine to apply a schedule edit
type ScheduleCommand struct {
	UserID        string         `json:"user_id"`
	Title         string         `json:"title"`
	Schedule      model.Schedule `json:"schedule"`
	RanThisPeriod bool           `json:"ran_this_period"`
}

// CommandService subscribes to project commands and replies with the status
// machine's structured results
type CommandService struct {
	logger  *zap.Logger
	nc      *nats.Conn
	machine *project.StatusMachine

	subs []*nats.Subscription
}

// NewCommandService creates a command service over the given machine
func NewCommandService(nc *nats.Conn, machine *project.StatusMachine, logger *zap.Logger) *CommandService {
	return &CommandService{
		logger:  logger.Named("commands"),
		nc:      nc,
		machine: machine,
	}
}

// Start subscribes to every command subject in a shared queue group
func (s *CommandService) Start(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		createSubject: func(msg *nats.Msg) {
			var cmd CreateCommand
			if !s.decode(msg, &cmd) {
				return
			}
			s.reply(msg, s.machine.CreateProject(ctx, cmd.UserID, cmd.Title, cmd.Schedule))
		},
		toggleSubject: func(msg *nats.Msg) {
			var cmd ToggleCommand
			if !s.decode(msg, &cmd) {
				return
			}
			s.reply(msg, s.machine.ToggleStatus(ctx, cmd.UserID, cmd.Title, cmd.Status))
		},
		deleteSubject: func(msg *nats.Msg) {
			var cmd DeleteCommand
			if !s.decode(msg, &cmd) {
				return
			}
			s.reply(msg, s.machine.DeleteProject(ctx, cmd.UserID, cmd.Title))
		},
		scheduleSubject: func(msg *nats.Msg) {
			var cmd ScheduleCommand
			if !s.decode(msg, &cmd) {
				return
			}
			s.reply(msg, s.machine.UpdateProjectSchedule(ctx, cmd.UserID, cmd.Title, cmd.Schedule, cmd.RanThisPeriod))
		},
	}

	for subject, handler := range handlers {
		sub, err := s.nc.QueueSubscribe(subject, commandQueue, handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Command service started")
	return nil
}

// Stop drains the command subscriptions
func (s *CommandService) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe command handler", zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *CommandService) decode(msg *nats.Msg, cmd interface{}) bool {
	if err := json.Unmarshal(msg.Data, cmd); err != nil {
		s.logger.Error("Failed to unmarshal command",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		s.reply(msg, project.Result{
			OK:           false,
			ErrorCode:    project.CodeInvalidInput,
			ErrorMessage: "malformed command payload",
		})
		return false
	}
	return true
}

func (s *CommandService) reply(msg *nats.Msg, result project.Result) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("Failed to marshal result", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond to command",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
}
