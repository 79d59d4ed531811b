package queue

import "time"

// Backoff returns the delay before the retry following attempt (1-based).
// Exponential from base, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 32 {
		shift = 32
	}
	d := base * time.Duration(1<<uint(shift))
	if d <= 0 || d > max {
		d = max
	}
	return d
}

// MaxAttempts returns the largest attempt count whose cumulative backoff
// delays fit inside window, so no retry is ever scheduled past the window.
func MaxAttempts(window, base, max time.Duration) int {
	attempts := 1
	var total time.Duration
	for {
		total += Backoff(attempts, base, max)
		if total > window {
			return attempts
		}
		attempts++
	}
}

// AttemptForElapsed estimates the attempt number a recovered job would have
// reached after elapsed wall-clock time. Attempt counters are not persisted;
// they are recomputed from the record's timestamp on restart.
func AttemptForElapsed(elapsed, base, max time.Duration) int {
	attempt := 1
	var total time.Duration
	for total < elapsed {
		total += Backoff(attempt, base, max)
		if total >= elapsed {
			break
		}
		attempt++
	}
	return attempt
}
