package queue

import "time"

// Backoff computes the delay before a failed job becomes eligible again.
// attempt is the number of failures so far (1 after the first failure).
type Backoff interface {
	Delay(base time.Duration, attempt int) time.Duration
}

// Linear waits base*attempt. It is the engine default.
type Linear struct {
	Max time.Duration
}

func (l Linear) Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential waits base*2^(attempt-1).
type Exponential struct {
	Max time.Duration
}

func (e Exponential) Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<(attempt-1))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// BackoffByName maps a config value to a strategy; unknown names get Linear.
func BackoffByName(name string, max time.Duration) Backoff {
	if name == "exponential" {
		return Exponential{Max: max}
	}
	return Linear{Max: max}
}
