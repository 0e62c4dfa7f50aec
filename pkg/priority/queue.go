package priority

import (
	"sync"
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

type Queue interface {
	TryPushHigh(f any) bool
	TryPushLow(f any) bool
	Pop() (any, bool)
	Close()
	Stats() Stats
}

// PriorityQueue is a two-lane queue: control traffic (barge-in, flush,
// hangup) rides the high lane and must overtake buffered audio. The
// fairness ratio bounds how many high items may be served in a row before
// the low lane gets a turn, so a flood of control frames cannot starve
// audio entirely.
type PriorityQueue struct {
	high     chan any
	low      chan any
	done     chan struct{}
	closer   sync.Once
	fairness int

	highStreak int

	highPush atomic.Int64
	lowPush  atomic.Int64
	highPop  atomic.Int64
	lowPop   atomic.Int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		done:     make(chan struct{}),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	select {
	case q.high <- f:
		q.highPush.Add(1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	select {
	case q.low <- f:
		q.lowPush.Add(1)
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available or the queue is closed; a false
// second return means closed. Only the orchestrator's single consumer
// goroutine calls it, so highStreak needs no synchronization.
func (q *PriorityQueue) Pop() (any, bool) {
	for {
		if q.highStreak >= q.fairness {
			select {
			case f := <-q.low:
				q.highStreak = 0
				q.lowPop.Add(1)
				return f, true
			default:
			}
		}
		select {
		case f := <-q.high:
			q.highStreak++
			q.highPop.Add(1)
			return f, true
		default:
		}
		select {
		case f := <-q.low:
			q.highStreak = 0
			q.lowPop.Add(1)
			return f, true
		default:
		}
		// Both lanes empty: wait for the next push from either, keeping
		// the non-blocking passes above as the priority order.
		select {
		case <-q.done:
			return nil, false
		case f := <-q.high:
			q.highStreak++
			q.highPop.Add(1)
			return f, true
		case f := <-q.low:
			q.highStreak = 0
			q.lowPop.Add(1)
			return f, true
		}
	}
}

// Close releases any consumer blocked in Pop. Items still queued are
// abandoned; the call is tearing down.
func (q *PriorityQueue) Close() {
	q.closer.Do(func() { close(q.done) })
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: q.highPush.Load(),
		LowPush:  q.lowPush.Load(),
		HighPop:  q.highPop.Load(),
		LowPop:   q.lowPop.Load(),
	}
}
