// Package cache holds per-user snapshots of the non-deleted project list so
// quota checks do not hit storage on every request. Entries expire on TTL,
// on explicit invalidation after a mutation, or when an authoritative push
// update replaces them.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/research-scheduler/internal/model"
)

// DefaultTTL is used when the cache is constructed with a non-positive TTL
const DefaultTTL = 5 * time.Minute

// snapshot is a cached project list for one user
type snapshot struct {
	projects  []model.Project
	fetchedAt time.Time
	expiresAt time.Time
}

// ProjectListCache caches each user's non-deleted projects with TTL expiry.
// Snapshots are owned by the cache: lists are copied on the way in and out.
type ProjectListCache struct {
	logger *zap.Logger
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*snapshot

	now func() time.Time
}

// NewProjectListCache creates a cache with the given snapshot TTL
func NewProjectListCache(ttl time.Duration, logger *zap.Logger) *ProjectListCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ProjectListCache{
		logger:  logger.Named("project-cache"),
		ttl:     ttl,
		entries: make(map[string]*snapshot),
		now:     time.Now,
	}
}

// Get returns the cached project list for a user, or ok=false on a miss.
// An expired snapshot counts as a miss and is dropped.
func (c *ProjectListCache) Get(userID string) ([]model.Project, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; Set may have raced us.
		if cur, ok := c.entries[userID]; ok && cur == entry {
			delete(c.entries, userID)
		}
		c.mu.Unlock()
		return nil, false
	}

	return copyProjects(entry.projects), true
}

// Set stores a fresh snapshot for a user
func (c *ProjectListCache) Set(userID string, projects []model.Project) {
	now := c.now()
	entry := &snapshot{
		projects:  copyProjects(projects),
		fetchedAt: now,
		expiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	c.entries[userID] = entry
	c.mu.Unlock()
}

// Invalidate drops the snapshot for a user, if any
func (c *ProjectListCache) Invalidate(userID string) {
	c.mu.Lock()
	_, existed := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if existed {
		c.logger.Debug("Invalidated project snapshot", zap.String("user_id", userID))
	}
}

// ApplyUpdate replaces a user's snapshot with an authoritative list received
// over the push channel. It behaves like Set but is kept separate so the two
// refresh paths show up distinctly in traces.
func (c *ProjectListCache) ApplyUpdate(userID string, projects []model.Project) {
	c.Set(userID, projects)
	c.logger.Debug("Applied push update to project snapshot",
		zap.String("user_id", userID),
		zap.Int("projects", len(projects)))
}

// Prune removes expired snapshots and returns how many were dropped
func (c *ProjectListCache) Prune() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for userID, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, userID)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of cached snapshots, expired or not
func (c *ProjectListCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func copyProjects(projects []model.Project) []model.Project {
	out := make([]model.Project, len(projects))
	copy(out, projects)
	return out
}
