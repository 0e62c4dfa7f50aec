package booking

import (
	"testing"
	"time"
)

func london(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestParseETARelative(t *testing.T) {
	loc := london(t)
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)

	cases := []struct {
		in   string
		want time.Time
	}{
		{"30 minutes", now.Add(30 * time.Minute)},
		{"1 minute", now.Add(time.Minute)},
		{"2 hours", now.Add(2 * time.Hour)},
		{"1 hour", now.Add(time.Hour)},
		{"45minutes", now.Add(45 * time.Minute)},
		{"90 MINUTES", now.Add(90 * time.Minute)},
		{"2 Hours or so", now.Add(2 * time.Hour)},
	}
	for _, tc := range cases {
		got, ok := ParseETA(tc.in, now, loc)
		if !ok {
			t.Fatalf("ParseETA(%q) not ok", tc.in)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseETA(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseETAClockTimeToday(t *testing.T) {
	loc := london(t)
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)

	got, ok := ParseETA("4:30 PM", now, loc)
	if !ok {
		t.Fatalf("expected ok")
	}
	want := time.Date(2025, 6, 10, 16, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseETAClockTimeRollsForwardOneDay(t *testing.T) {
	loc := london(t)
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)

	got, ok := ParseETA("9:15 AM", now, loc)
	if !ok {
		t.Fatalf("expected ok")
	}
	want := time.Date(2025, 6, 11, 9, 15, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got.Sub(now) > 24*time.Hour {
		t.Fatalf("rolled further than one day: %v", got)
	}
}

func TestParseETAClockTimeAtCurrentMinute(t *testing.T) {
	loc := london(t)
	// Exactly on the minute: stays today.
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)
	got, ok := ParseETA("2:00 PM", now, loc)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Day() != 10 {
		t.Fatalf("expected today, got %v", got)
	}

	// A few seconds past: the minute has gone, rolls to tomorrow.
	now = time.Date(2025, 6, 10, 14, 0, 30, 0, loc)
	got, ok = ParseETA("2:00 PM", now, loc)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Day() != 11 {
		t.Fatalf("expected tomorrow, got %v", got)
	}
}

func TestParseETAUnparseable(t *testing.T) {
	loc := london(t)
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)

	for _, in := range []string{"", "soonish", "half past", "25:00 PM", "in a bit", "later today"} {
		if _, ok := ParseETA(in, now, loc); ok {
			t.Fatalf("ParseETA(%q) should not parse", in)
		}
	}
}

func TestParseETADeterministic(t *testing.T) {
	loc := london(t)
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)
	a, _ := ParseETA("30 minutes", now, loc)
	b, _ := ParseETA("30 minutes", now, loc)
	if !a.Equal(b) {
		t.Fatalf("same input produced %v and %v", a, b)
	}
}
