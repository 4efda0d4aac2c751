package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/casewatch/internal/storage"
)

// NewStore opens a migrated SQLite store in a temporary directory
func NewStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.Open(zap.NewNop(), storage.Options{
		Path:        filepath.Join(t.TempDir(), "casewatch.db"),
		BusyTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

// Clock is a settable time source for components that take a func() time.Time
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current frozen time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
