package conversation

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetReturnsSameWaiterBeforeResolution(t *testing.T) {
	ws := NewWaiters()
	a := ws.Get("c1")
	b := ws.Get("c1")
	if a != b {
		t.Error("two Gets before resolution must share one rendezvous")
	}
	if ws.Get("c2") == a {
		t.Error("different conversations must not share a waiter")
	}
	if ws.Outstanding() != 2 {
		t.Errorf("outstanding = %d, want 2", ws.Outstanding())
	}
}

func TestResolveFansOutToAllBlockedJobs(t *testing.T) {
	ws := NewWaiters()
	const blocked = 5
	var wg sync.WaitGroup
	unblocked := make(chan struct{}, blocked)
	for i := 0; i < blocked; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := ws.Get("c1")
			select {
			case <-w.Done():
				if w.Err() != nil {
					t.Errorf("resolved waiter returned error: %v", w.Err())
				}
				unblocked <- struct{}{}
			case <-time.After(5 * time.Second):
				t.Error("waiter never resolved")
			}
		}()
	}

	// Let every goroutine attach to the rendezvous first.
	deadline := time.Now().Add(2 * time.Second)
	for ws.Outstanding() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("waiter was not created")
		}
		time.Sleep(time.Millisecond)
	}

	if !ws.Resolve("c1") {
		t.Fatal("Resolve returned false with an outstanding waiter")
	}
	wg.Wait()
	if len(unblocked) != blocked {
		t.Errorf("unblocked %d jobs, want %d", len(unblocked), blocked)
	}
	if ws.Outstanding() != 0 {
		t.Error("entry must be removed after resolution")
	}
}

func TestResolveWithoutWaiter(t *testing.T) {
	ws := NewWaiters()
	if ws.Resolve("c1") {
		t.Error("Resolve with no waiter must return false")
	}
}

func TestNewWaiterAfterResolution(t *testing.T) {
	ws := NewWaiters()
	old := ws.Get("c1")
	ws.Resolve("c1")
	fresh := ws.Get("c1")
	if fresh == old {
		t.Error("a resolved waiter must not be reused")
	}
	select {
	case <-fresh.Done():
		t.Error("fresh waiter must not be resolved")
	default:
	}
}

func TestRejectCarriesError(t *testing.T) {
	ws := NewWaiters()
	w := ws.Get("c1")
	boom := errors.New("verification dismissed")
	if !ws.Reject("c1", boom) {
		t.Fatal("Reject returned false")
	}
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("rejected waiter did not resolve")
	}
	if !errors.Is(w.Err(), boom) {
		t.Errorf("Err() = %v, want %v", w.Err(), boom)
	}
}
