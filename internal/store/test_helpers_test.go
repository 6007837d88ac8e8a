package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/scenepipe/internal/ir"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testClock is a settable clock for lease and visibility tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestActivity inserts an activity with empty defaults.
func createTestActivity(t *testing.T, s *Store, collection int64, at ir.ActivityType, scene string) ir.Activity {
	t.Helper()
	act, _, err := s.GetOrCreate(context.Background(), ir.ActivityKey{CollectionID: collection, Type: at, SceneID: scene}, ir.ActivityDefaults{})
	if err != nil {
		t.Fatalf("GetOrCreate() failed: %v", err)
	}
	return act
}
