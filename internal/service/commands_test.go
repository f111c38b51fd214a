package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/billing"
	"github.com/t77yq/research-scheduler/internal/cache"
	"github.com/t77yq/research-scheduler/internal/model"
	"github.com/t77yq/research-scheduler/internal/project"
	"github.com/t77yq/research-scheduler/internal/push"
	"github.com/t77yq/research-scheduler/internal/storage"
	"github.com/t77yq/research-scheduler/internal/testutil"
)

// startService wires a command service over a real store, cache, and push
// publisher against an embedded NATS server.
func startService(t *testing.T) *nats.Conn {
	t.Helper()

	nc, js, cleanup := testutil.StartNATS(t)
	t.Cleanup(cleanup)

	logger := zap.NewNop()

	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SeedDefaultPlans(ctx, []model.Plan{
		{Name: "Free", MaxDailyRuns: 2, IsDefaultFreePlan: true},
	}))

	snapshots := cache.NewProjectListCache(cache.DefaultTTL, logger)

	publisher, err := push.NewPublisher(js, logger)
	require.NoError(t, err)

	oracle := billing.NewStaticOracle(nil)

	clock := func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	machine := project.NewStatusMachine(store, store, oracle, snapshots, publisher, logger,
		project.WithClock(clock))

	svc := NewCommandService(nc, machine, logger)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	return nc
}

func request(t *testing.T, nc *nats.Conn, subject string, cmd interface{}) project.Result {
	t.Helper()

	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	msg, err := nc.Request(subject, data, 5*time.Second)
	require.NoError(t, err)

	var result project.Result
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	return result
}

func dailySchedule() model.Schedule {
	return model.Schedule{
		Frequency:    model.FrequencyDaily,
		DeliveryTime: "09:00",
		Timezone:     "UTC",
	}
}

func TestCommandService_Lifecycle(t *testing.T) {
	nc := startService(t)

	t.Run("create", func(t *testing.T) {
		result := request(t, nc, createSubject, CreateCommand{
			UserID:   "user-1",
			Title:    "Morning digest",
			Schedule: dailySchedule(),
		})
		assert.True(t, result.OK)
		assert.Equal(t, model.StatusDraft, result.Status)
	})

	t.Run("duplicate title rejected", func(t *testing.T) {
		result := request(t, nc, createSubject, CreateCommand{
			UserID:   "user-1",
			Title:    "Morning digest",
			Schedule: dailySchedule(),
		})
		assert.False(t, result.OK)
		assert.Equal(t, project.CodeInvalidInput, result.ErrorCode)
	})

	t.Run("activate", func(t *testing.T) {
		result := request(t, nc, toggleSubject, ToggleCommand{
			UserID: "user-1",
			Title:  "Morning digest",
			Status: model.StatusActive,
		})
		assert.True(t, result.OK)
		assert.Equal(t, model.StatusActive, result.Status)
	})

	t.Run("toggle to current status rejected", func(t *testing.T) {
		result := request(t, nc, toggleSubject, ToggleCommand{
			UserID: "user-1",
			Title:  "Morning digest",
			Status: model.StatusActive,
		})
		assert.False(t, result.OK)
		assert.Equal(t, project.CodeStatusUnchanged, result.ErrorCode)
	})

	t.Run("schedule edit", func(t *testing.T) {
		sched := dailySchedule()
		sched.DeliveryTime = "18:30"
		result := request(t, nc, scheduleSubject, ScheduleCommand{
			UserID:   "user-1",
			Title:    "Morning digest",
			Schedule: sched,
		})
		assert.True(t, result.OK)
	})

	t.Run("delete", func(t *testing.T) {
		result := request(t, nc, deleteSubject, DeleteCommand{
			UserID: "user-1",
			Title:  "Morning digest",
		})
		assert.True(t, result.OK)
		assert.Equal(t, model.StatusDeleted, result.Status)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		result := request(t, nc, deleteSubject, DeleteCommand{
			UserID: "user-1",
			Title:  "Morning digest",
		})
		assert.True(t, result.OK)
	})

	t.Run("unknown project", func(t *testing.T) {
		result := request(t, nc, toggleSubject, ToggleCommand{
			UserID: "user-1",
			Title:  "No such project",
			Status: model.StatusActive,
		})
		assert.False(t, result.OK)
		assert.Equal(t, project.CodeNotFound, result.ErrorCode)
	})
}

func TestCommandService_MalformedPayload(t *testing.T) {
	nc := startService(t)

	msg, err := nc.Request(createSubject, []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var result project.Result
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.False(t, result.OK)
	assert.Equal(t, project.CodeInvalidInput, result.ErrorCode)
}
