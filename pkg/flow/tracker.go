package flow

import "sync"

// Tracker is the departure-call checklist: four flags, each set once by a
// successful tool outcome and never cleared for the rest of the call. It is
// advisory; the dispatcher consults it before honoring a request to hang up
// and reports the missing steps back to the model instead of blocking.
type Tracker struct {
	mu                sync.Mutex
	bookingFound      bool
	etaUpdated        bool
	instructionsGiven bool
	staffNotified     bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) MarkBookingFound() {
	t.mu.Lock()
	t.bookingFound = true
	t.mu.Unlock()
}

func (t *Tracker) MarkETAUpdated() {
	t.mu.Lock()
	t.etaUpdated = true
	t.mu.Unlock()
}

func (t *Tracker) MarkInstructionsGiven() {
	t.mu.Lock()
	t.instructionsGiven = true
	t.mu.Unlock()
}

func (t *Tracker) MarkStaffNotified() {
	t.mu.Lock()
	t.staffNotified = true
	t.mu.Unlock()
}

// IsComplete reports whether every checklist step has happened. Monotonic:
// once true it stays true.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bookingFound && t.etaUpdated && t.instructionsGiven && t.staffNotified
}

// Missing lists the steps not yet done, in checklist order.
func (t *Tracker) Missing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	if !t.bookingFound {
		out = append(out, "booking_found")
	}
	if !t.etaUpdated {
		out = append(out, "eta_updated")
	}
	if !t.instructionsGiven {
		out = append(out, "instructions_given")
	}
	if !t.staffNotified {
		out = append(out, "staff_notified")
	}
	return out
}
