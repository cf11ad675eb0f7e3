package stream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchkit-dev/launchkit/internal/domain"
)

type memSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (s *memSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := append([]byte(nil), payload...)
	s.payloads = append(s.payloads, clone)
	return nil
}

func (s *memSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *memSubscriber) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *memSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memSubscriber) lastStatus(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.payloads)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(s.payloads[len(s.payloads)-1], &snap))
	return snap.Status
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.DiscardHandler))
	t.Cleanup(h.Close)
	return h
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := newTestHub(t)
	sub := &memSubscriber{}
	h.Subscribe("dep-1", sub)

	h.Publish("dep-1", domain.Snapshot{ID: "dep-1", Status: domain.StateBuilding})
	eventually(t, func() bool { return sub.snapshotCount() == 1 })
	assert.Equal(t, domain.StateBuilding, sub.lastStatus(t))
}

func TestSecondSubscriberSupersedesFirst(t *testing.T) {
	h := newTestHub(t)
	first := &memSubscriber{}
	second := &memSubscriber{}
	h.Subscribe("dep-1", first)
	h.Subscribe("dep-1", second)

	eventually(t, func() bool { return first.isClosed() })

	h.Publish("dep-1", domain.Snapshot{ID: "dep-1", Status: domain.StateBuilding})
	eventually(t, func() bool { return second.snapshotCount() == 1 })
	assert.Zero(t, first.snapshotCount())
}

func TestLateSubscriberGetsLatestSnapshot(t *testing.T) {
	h := newTestHub(t)
	h.Publish("dep-1", domain.Snapshot{ID: "dep-1", Status: domain.StateUploading})

	sub := &memSubscriber{}
	h.Subscribe("dep-1", sub)
	eventually(t, func() bool { return sub.snapshotCount() == 1 })
	assert.Equal(t, domain.StateUploading, sub.lastStatus(t))
}

func TestTerminalSnapshotClosesStream(t *testing.T) {
	h := newTestHub(t)
	sub := &memSubscriber{}
	h.Subscribe("dep-1", sub)

	h.Publish("dep-1", domain.Snapshot{ID: "dep-1", Status: domain.StateSuccess})
	eventually(t, func() bool { return sub.snapshotCount() == 1 && sub.isClosed() })
	assert.Equal(t, domain.StateSuccess, sub.lastStatus(t))
}

func TestUnsubscribedSupersededClientCannotEvictSuccessor(t *testing.T) {
	h := newTestHub(t)
	first := &memSubscriber{}
	second := &memSubscriber{}
	h.Subscribe("dep-1", first)
	h.Subscribe("dep-1", second)
	eventually(t, func() bool { return first.isClosed() })

	// The superseded client detaching must not remove the active one.
	h.Unsubscribe("dep-1", first)

	h.Publish("dep-1", domain.Snapshot{ID: "dep-1", Status: domain.StateDeploying})
	eventually(t, func() bool { return second.snapshotCount() == 1 })
}

func TestPublishWithoutSubscriberIsHarmless(t *testing.T) {
	h := newTestHub(t)
	h.Publish("dep-1", domain.Snapshot{ID: "dep-1", Status: domain.StateBuilding})
	h.Publish("dep-2", domain.Snapshot{ID: "dep-2", Status: domain.StateFailed})
	// Orchestration publishes unconditionally; no subscriber is fine.
}
