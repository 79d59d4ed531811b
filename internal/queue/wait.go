package queue

import "time"

// WaitOutcome is the tri-state result of a bounded, cancellable wait.
type WaitOutcome int

const (
	WaitResolved WaitOutcome = iota
	WaitTimedOut
	WaitCancelled
)

// Await blocks until done is closed, timeout elapses, or cancel fires,
// whichever comes first. A nil done never resolves; a nil cancel never
// cancels. This is the single suspension primitive every gating wait and
// backoff sleep goes through, so shutdown is observed at every block point.
func Await(done <-chan struct{}, timeout time.Duration, cancel <-chan struct{}) WaitOutcome {
	if timeout <= 0 {
		return WaitTimedOut
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return WaitResolved
	case <-timer.C:
		return WaitTimedOut
	case <-cancel:
		return WaitCancelled
	}
}
