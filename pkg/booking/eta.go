package booking

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Callers quote ETAs two ways: a relative duration ("30 minutes", "2 hours")
// or a clock time ("4:30 PM"). The relative form must appear at the start of
// the utterance, matching how speech transcripts arrive.
var relativeETA = regexp.MustCompile(`(?i)^(\d+)\s*(minutes?|hours?)`)

const clockLayout = "3:04 PM"

// ParseETA resolves a spoken ETA against now in the given location.
//
// Relative durations are added to now. Clock times mean "today at that time",
// rolled forward to tomorrow when that time of day has already passed, and
// never further than one day. Unparseable input returns ok=false; it never
// guesses.
func ParseETA(etaString string, now time.Time, loc *time.Location) (time.Time, bool) {
	etaString = strings.TrimSpace(etaString)

	if m := relativeETA.FindStringSubmatch(etaString); m != nil {
		value, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		unit := time.Minute
		if strings.HasPrefix(strings.ToLower(m[2]), "hour") {
			unit = time.Hour
		}
		return now.Add(time.Duration(value) * unit), true
	}

	parsed, err := time.ParseInLocation(clockLayout, strings.ToUpper(etaString), loc)
	if err != nil {
		return time.Time{}, false
	}

	local := now.In(loc)
	eta := time.Date(local.Year(), local.Month(), local.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, loc)
	if beforeTimeOfDay(parsed, local) {
		eta = eta.AddDate(0, 0, 1)
	}
	return eta, true
}

// beforeTimeOfDay compares only the time-of-day components. The parsed clock
// time has zero seconds, so an ETA naming the current minute counts as
// already passed once the wall clock is past the top of that minute.
func beforeTimeOfDay(eta, now time.Time) bool {
	if eta.Hour() != now.Hour() {
		return eta.Hour() < now.Hour()
	}
	if eta.Minute() != now.Minute() {
		return eta.Minute() < now.Minute()
	}
	return now.Second() > 0 || now.Nanosecond() > 0
}
