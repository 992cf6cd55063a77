package checkpoint_manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"bptdb/types"
)

// fakeEngine records the call order so the write-ahead ordering of a
// checkpoint can be asserted.
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	active   bool
	flushErr error
	poisoned error
}

func (f *fakeEngine) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeEngine) HasActiveTrx() bool { f.record("HasActiveTrx"); return f.active }
func (f *fakeEngine) BlockNewTrx(b bool) {
	if b {
		f.record("Block")
	} else {
		f.record("Unblock")
	}
}
func (f *fakeEngine) WaitNoActiveTrx() { f.record("WaitNoActiveTrx"); f.active = false }
func (f *fakeEngine) FlushWALWait()    { f.record("FlushWALWait") }
func (f *fakeEngine) WaitSyncPoints()  { f.record("WaitSyncPoints") }
func (f *fakeEngine) FlushPool() error { f.record("FlushPool"); return f.flushErr }
func (f *fakeEngine) RotateWAL() error { f.record("RotateWAL"); return nil }
func (f *fakeEngine) TruncateXidFiles() error {
	f.record("TruncateXidFiles")
	return nil
}
func (f *fakeEngine) Poison(err error) { f.poisoned = err }

func TestForceOrdering(t *testing.T) {
	eng := &fakeEngine{active: true}
	cm := New(eng, 3600, types.NewLogger(true))
	if err := cm.Force(); err != nil {
		t.Fatalf("Force: %v", err)
	}
	want := []string{
		"HasActiveTrx", "Block", "WaitNoActiveTrx",
		"WaitSyncPoints", "FlushWALWait", "FlushPool",
		"RotateWAL", "TruncateXidFiles",
		"Unblock",
	}
	if len(eng.calls) != len(want) {
		t.Fatalf("call sequence %v, want %v", eng.calls, want)
	}
	for i := range want {
		if eng.calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (full: %v)", i, eng.calls[i], want[i], eng.calls)
		}
	}
}

func TestWALFlushedBeforePool(t *testing.T) {
	eng := &fakeEngine{}
	cm := New(eng, 3600, types.NewLogger(true))
	if err := cm.Force(); err != nil {
		t.Fatalf("Force: %v", err)
	}
	walIdx, poolIdx := -1, -1
	for i, c := range eng.calls {
		switch c {
		case "FlushWALWait":
			walIdx = i
		case "FlushPool":
			poolIdx = i
		}
	}
	if walIdx == -1 || poolIdx == -1 || walIdx > poolIdx {
		t.Fatalf("WAL must be durable before pages flush: %v", eng.calls)
	}
}

func TestActiveFlagStallsAndReleases(t *testing.T) {
	eng := &fakeEngine{}
	cm := New(eng, 3600, types.NewLogger(true))

	cm.setActive(true)
	released := make(chan struct{})
	go func() {
		cm.WaitWhileActive()
		close(released)
	}()
	select {
	case <-released:
		t.Fatal("WaitWhileActive must block while a checkpoint runs")
	case <-time.After(50 * time.Millisecond):
	}
	cm.setActive(false)
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitWhileActive not released")
	}
}

func TestForceErrorPropagates(t *testing.T) {
	eng := &fakeEngine{flushErr: errors.New("disk gone")}
	cm := New(eng, 3600, types.NewLogger(true))
	if err := cm.Force(); err == nil {
		t.Fatal("expected the flush error to surface")
	}
	if cm.Active() {
		t.Error("active flag must clear even on error")
	}
}
