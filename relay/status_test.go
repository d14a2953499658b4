package relay

import (
	"testing"
	"time"

	"github.com/mqy/chatrelay/wire"
)

func TestStatusForwardTransitions(t *testing.T) {
	st := NewStatusTracker()

	applied, changed, err := st.Apply("m1", wire.StatusSent)
	if err != nil || !changed || applied != wire.StatusSent {
		t.Fatalf("first apply: applied=%s changed=%v err=%v", applied, changed, err)
	}

	applied, changed, err = st.Apply("m1", wire.StatusDelivered)
	if err != nil || !changed || applied != wire.StatusDelivered {
		t.Fatalf("delivered: applied=%s changed=%v err=%v", applied, changed, err)
	}

	applied, changed, err = st.Apply("m1", wire.StatusRead)
	if err != nil || !changed || applied != wire.StatusRead {
		t.Fatalf("read: applied=%s changed=%v err=%v", applied, changed, err)
	}
}

func TestStatusRepeatIsNoOp(t *testing.T) {
	st := NewStatusTracker()
	st.Apply("m1", wire.StatusDelivered)

	applied, changed, err := st.Apply("m1", wire.StatusDelivered)
	if err != nil {
		t.Fatalf("repeat must not error: %v", err)
	}
	if changed || applied != wire.StatusDelivered {
		t.Fatalf("repeat: applied=%s changed=%v", applied, changed)
	}
}

func TestStatusBackwardRejected(t *testing.T) {
	st := NewStatusTracker()
	st.Apply("m1", wire.StatusRead)

	applied, changed, err := st.Apply("m1", wire.StatusDelivered)
	if err != ErrOutOfOrderStatus {
		t.Fatalf("want ErrOutOfOrderStatus, got: %v", err)
	}
	if changed || applied != wire.StatusRead {
		t.Fatalf("backward transition leaked: applied=%s changed=%v", applied, changed)
	}

	// the rejected transition left no mark
	applied, _, err = st.Apply("m1", wire.StatusRead)
	if err != nil || applied != wire.StatusRead {
		t.Fatalf("state corrupted after rejection: applied=%s err=%v", applied, err)
	}
}

func TestStatusUnknownRejected(t *testing.T) {
	st := NewStatusTracker()
	if _, _, err := st.Apply("m1", "archived"); err != ErrUnknownStatus {
		t.Fatalf("want ErrUnknownStatus, got: %v", err)
	}
	if st.Len() != 0 {
		t.Fatalf("unknown status created an entry")
	}
}

func TestStatusFirstSeenAccepted(t *testing.T) {
	// After a restart the tracker has no history: the first report wins even
	// if it skips a phase.
	st := NewStatusTracker()
	applied, changed, err := st.Apply("m1", wire.StatusRead)
	if err != nil || !changed || applied != wire.StatusRead {
		t.Fatalf("first-seen read: applied=%s changed=%v err=%v", applied, changed, err)
	}
}

func TestStatusSweep(t *testing.T) {
	st := NewStatusTracker()
	st.Apply("m1", wire.StatusRead)
	st.Apply("m2", wire.StatusSent)

	if n := st.Sweep(time.Hour); n != 0 {
		t.Fatalf("fresh entries swept: %d", n)
	}
	time.Sleep(10 * time.Millisecond)
	if n := st.Sweep(time.Millisecond); n != 2 {
		t.Fatalf("want 2 swept, got %d", n)
	}
	if st.Len() != 0 {
		t.Fatalf("entries remain after sweep: %d", st.Len())
	}
}
