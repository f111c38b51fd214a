package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
	"github.com/t77yq/research-scheduler/internal/storage"
	"github.com/t77yq/research-scheduler/internal/testutil"
)

// memStore is an in-memory dispatch.Store with the same revision semantics
// as the SQLite store.
type memStore struct {
	mu       sync.Mutex
	projects map[string]*model.Project
	runs     map[string]*storage.RunRecord
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*model.Project),
		runs:     make(map[string]*storage.RunRecord),
	}
}

func (s *memStore) put(p *model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
}

func (s *memStore) DueProjects(_ context.Context, now time.Time, limit int) ([]model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.Project
	for _, p := range s.projects {
		if p.Status == model.StatusActive && !p.NextRunAt.After(now) {
			due = append(due, *p)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *memStore) GetProjectByID(_ context.Context, id string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, storage.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpdateProject(_ context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.projects[p.ID]
	if !ok {
		return storage.ErrProjectNotFound
	}
	if stored.Revision != p.Revision {
		return storage.ErrRevisionConflict
	}
	cp := *p
	cp.Revision++
	s.projects[p.ID] = &cp
	p.Revision++
	return nil
}

func (s *memStore) RecordRun(_ context.Context, rec *storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.runs[rec.ID] = &cp
	return nil
}

func (s *memStore) CompleteRun(_ context.Context, runID string, succeeded bool, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return nil
	}
	rec.CompletedAt = &completedAt
	rec.Succeeded = &succeeded
	rec.Error = errMsg
	return nil
}

func (s *memStore) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *memStore) firstRun() *storage.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.runs {
		cp := *rec
		return &cp
	}
	return nil
}

// recordingCache records invalidations
type recordingCache struct {
	mu      sync.Mutex
	evicted []string
}

func (c *recordingCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, userID)
}

func (c *recordingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evicted)
}

func activeProject(id, userID string, nextRunAt time.Time) *model.Project {
	return &model.Project{
		ID:     id,
		UserID: userID,
		Title:  "Digest " + id,
		Schedule: model.Schedule{
			Frequency:    model.FrequencyDaily,
			DeliveryTime: "09:00",
			Timezone:     "UTC",
		},
		Status:    model.StatusActive,
		NextRunAt: nextRunAt,
		CreatedAt: nextRunAt.Add(-24 * time.Hour),
		UpdatedAt: nextRunAt.Add(-24 * time.Hour),
	}
}

func TestDispatcher_DispatchDue(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zap.NewNop()
	store := newMemStore()
	cache := &recordingCache{}

	now := time.Date(2024, 3, 15, 9, 0, 30, 0, time.UTC)
	store.put(activeProject("due-1", "user-1", now.Add(-30*time.Second)))
	store.put(activeProject("future-1", "user-1", now.Add(time.Hour)))

	// A tick spec that never fires during the test keeps the cron loop out
	// of the way; DispatchDue drives the scan directly.
	d := NewDispatcher(js, store, cache, logger,
		WithTickSpec("0 0 0 1 1 *"),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	requests := make(chan *model.RunRequest, 4)
	_, err := js.Subscribe(runRequestSubjectPrefix+"user-1", func(msg *nats.Msg) {
		var req model.RunRequest
		if json.Unmarshal(msg.Data, &req) == nil {
			requests <- &req
		}
	})
	require.NoError(t, err)

	d.DispatchDue(ctx)

	select {
	case req := <-requests:
		assert.Equal(t, "due-1", req.ProjectID)
		assert.Equal(t, "user-1", req.UserID)
		assert.True(t, req.ScheduledFor.Equal(now.Add(-30*time.Second)))
		assert.NotEmpty(t, req.RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for run request")
	}

	t.Run("project flipped to running", func(t *testing.T) {
		p, err := store.GetProjectByID(ctx, "due-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, p.Status)
	})

	t.Run("future project untouched", func(t *testing.T) {
		p, err := store.GetProjectByID(ctx, "future-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, p.Status)
	})

	t.Run("run recorded and cache invalidated", func(t *testing.T) {
		assert.Equal(t, 1, store.runCount())
		assert.Equal(t, 1, cache.count())
		assert.Equal(t, int64(1), d.Stats().Dispatched)
	})

	t.Run("second scan skips the running project", func(t *testing.T) {
		d.DispatchDue(ctx)
		assert.Equal(t, 1, store.runCount())
		assert.Equal(t, int64(1), d.Stats().Dispatched)
	})
}

func TestDispatcher_PublishFailureReleasesClaim(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zap.NewNop()
	store := newMemStore()
	cache := &recordingCache{}

	now := time.Date(2024, 3, 15, 9, 0, 30, 0, time.UTC)
	store.put(activeProject("due-1", "user-1", now.Add(-30*time.Second)))

	d := NewDispatcher(js, store, cache, logger,
		WithTickSpec("0 0 0 1 1 *"),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	// With the stream gone the run request publish gets no responder.
	require.NoError(t, js.DeleteStream(runStreamName))

	d.DispatchDue(ctx)

	p, err := store.GetProjectByID(ctx, "due-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p.Status)
	assert.Equal(t, 0, store.runCount())
	assert.Equal(t, int64(0), d.Stats().Dispatched)

	t.Run("released project dispatches once the stream is back", func(t *testing.T) {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:     runStreamName,
			Subjects: []string{"run.>"},
			Storage:  nats.FileStorage,
		})
		require.NoError(t, err)

		d.DispatchDue(ctx)

		p, err := store.GetProjectByID(ctx, "due-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, p.Status)
		assert.Equal(t, 1, store.runCount())
	})
}

func TestDispatcher_HandleResultSuccess(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zap.NewNop()
	store := newMemStore()
	cache := &recordingCache{}

	now := time.Date(2024, 3, 15, 9, 1, 0, 0, time.UTC)
	store.put(activeProject("due-1", "user-1", now.Add(-time.Minute)))

	d := NewDispatcher(js, store, cache, logger,
		WithTickSpec("0 0 0 1 1 *"),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	d.DispatchDue(ctx)
	rec := store.firstRun()
	require.NotNil(t, rec)

	completedAt := now.Add(2 * time.Minute)
	result := model.RunResult{
		RunID:       rec.ID,
		ProjectID:   "due-1",
		UserID:      "user-1",
		Succeeded:   true,
		CompletedAt: completedAt,
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)
	_, err = js.Publish(runResultSubject, data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := store.GetProjectByID(ctx, "due-1")
		return err == nil && p.Status == model.StatusActive
	}, 5*time.Second, 50*time.Millisecond)

	p, err := store.GetProjectByID(ctx, "due-1")
	require.NoError(t, err)

	t.Run("next run recomputed strictly ahead", func(t *testing.T) {
		assert.True(t, p.NextRunAt.After(now))
		// 09:00 UTC daily: the run at 09:01 pushes the next one to tomorrow.
		assert.Equal(t, time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC), p.NextRunAt.UTC())
	})

	t.Run("last run stamped", func(t *testing.T) {
		require.NotNil(t, p.LastRunAt)
		assert.True(t, p.LastRunAt.Equal(completedAt))
	})

	t.Run("run record completed", func(t *testing.T) {
		updated := store.firstRun()
		require.NotNil(t, updated.Succeeded)
		assert.True(t, *updated.Succeeded)
		require.NotNil(t, updated.CompletedAt)
	})

	t.Run("counters", func(t *testing.T) {
		stats := d.Stats()
		assert.Equal(t, int64(1), stats.Dispatched)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(0), stats.Failed)
	})
}

func TestDispatcher_HandleResultFailure(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zap.NewNop()
	store := newMemStore()
	cache := &recordingCache{}

	now := time.Date(2024, 3, 15, 9, 1, 0, 0, time.UTC)
	store.put(activeProject("due-1", "user-1", now.Add(-time.Minute)))

	d := NewDispatcher(js, store, cache, logger,
		WithTickSpec("0 0 0 1 1 *"),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	d.DispatchDue(ctx)
	rec := store.firstRun()
	require.NotNil(t, rec)

	result := model.RunResult{
		RunID:       rec.ID,
		ProjectID:   "due-1",
		UserID:      "user-1",
		Succeeded:   false,
		Error:       "source unavailable",
		CompletedAt: now.Add(time.Minute),
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)
	_, err = js.Publish(runResultSubject, data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := store.GetProjectByID(ctx, "due-1")
		return err == nil && p.Status == model.StatusError
	}, 5*time.Second, 50*time.Millisecond)

	t.Run("run record keeps the error", func(t *testing.T) {
		updated := store.firstRun()
		require.NotNil(t, updated.Succeeded)
		assert.False(t, *updated.Succeeded)
		assert.Equal(t, "source unavailable", updated.Error)
	})

	t.Run("counters", func(t *testing.T) {
		stats := d.Stats()
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(0), stats.Completed)
	})
}

func TestDispatcher_ResultForPausedProjectLeavesStatus(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zap.NewNop()
	store := newMemStore()
	cache := &recordingCache{}

	now := time.Date(2024, 3, 15, 9, 1, 0, 0, time.UTC)
	store.put(activeProject("due-1", "user-1", now.Add(-time.Minute)))

	d := NewDispatcher(js, store, cache, logger,
		WithTickSpec("0 0 0 1 1 *"),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	d.DispatchDue(ctx)
	rec := store.firstRun()
	require.NotNil(t, rec)

	// User paused the project while the run was in flight.
	p, err := store.GetProjectByID(ctx, "due-1")
	require.NoError(t, err)
	p.Status = model.StatusPaused
	require.NoError(t, store.UpdateProject(ctx, p))

	result := model.RunResult{
		RunID:       rec.ID,
		ProjectID:   "due-1",
		UserID:      "user-1",
		Succeeded:   true,
		CompletedAt: now.Add(time.Minute),
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)
	_, err = js.Publish(runResultSubject, data)
	require.NoError(t, err)

	// The run record still gets its outcome even though the status stays.
	require.Eventually(t, func() bool {
		updated := store.firstRun()
		return updated.Succeeded != nil && *updated.Succeeded
	}, 5*time.Second, 50*time.Millisecond)

	got, err := store.GetProjectByID(ctx, "due-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)
	assert.Nil(t, got.LastRunAt)
}
