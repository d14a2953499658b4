package relay

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatrelay/wire"
)

// StatusTracker enforces the delivery lifecycle for messages passing through
// the relay: sent -> delivered -> read, forward only. State is transient and
// process-local; after a restart the first transition seen for a message is
// accepted as-is, which is safe because every transition is idempotent.
type StatusTracker struct {
	mu      sync.Mutex
	entries map[string]*statusEntry
}

type statusEntry struct {
	status  string
	touched time.Time
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{entries: make(map[string]*statusEntry)}
}

// Apply attempts the transition messageID -> next and returns the resulting
// status, which callers use to reconcile optimistic local state:
//   - a forward transition is applied and returned with changed=true;
//   - a repeat of the current (or an earlier equal-rank) status is a no-op;
//   - a backward transition returns the current status and
//     ErrOutOfOrderStatus; it is never applied;
//   - a status outside the lifecycle returns ErrUnknownStatus.
func (t *StatusTracker) Apply(messageID, next string) (applied string, changed bool, err error) {
	if !wire.ValidStatus(next) {
		return "", false, ErrUnknownStatus
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok {
		t.entries[messageID] = &statusEntry{status: next, touched: time.Now()}
		return next, true, nil
	}

	e.touched = time.Now()
	if next == e.status {
		return e.status, false, nil
	}
	if wire.StatusRank(next) < wire.StatusRank(e.status) {
		statusRejected.Inc()
		return e.status, false, ErrOutOfOrderStatus
	}
	e.status = next
	return next, true, nil
}

// Sweep drops entries untouched for longer than maxAge and returns how many
// were removed. Terminal (read) entries older than maxAge can never reject
// anything useful again; non-terminal ones are reconciled by the client-side
// store sweep anyway.
func (t *StatusTracker) Sweep(maxAge time.Duration) int {
	deadline := time.Now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.touched.Before(deadline) {
			delete(t.entries, id)
			n++
		}
	}
	if n > 0 {
		glog.V(5).Infof("status: swept %d stale entries, %d remain", n, len(t.entries))
	}
	return n
}

// Len reports the number of tracked messages.
func (t *StatusTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
