package resilience

import "time"

// RetryPolicy is a fixed-backoff retry for provider sends. Deliberately
// simpler than the model-call retry: audio and synthesis paths retry a
// couple of times fast or give up, because stale speech is worse than none.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn up to MaxRetries+1 times, sleeping Backoff between attempts.
func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt == r.MaxRetries {
			return err
		}
		time.Sleep(r.Backoff)
	}
}
