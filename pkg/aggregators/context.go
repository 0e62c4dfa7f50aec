package aggregators

import "time"

type AggregatorConfig struct {
	// MaxSegments caps how many transcript segments buffer before a forced
	// flush, protecting against a transcriber that never endpoints.
	MaxSegments int
	// StaleAfter flushes a non-empty buffer when no segment has arrived for
	// this long and an unrelated frame passes through.
	StaleAfter time.Duration
}
