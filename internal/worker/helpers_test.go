package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/splitio/flagsync/internal/events"
)

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (n *recordingNotifier) Notify(kind events.Kind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) Kinds() []events.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.Kind(nil), n.kinds...)
}

func (n *recordingNotifier) Count(kind events.Kind) int {
	c := 0
	for _, k := range n.Kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
