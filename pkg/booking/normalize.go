package booking

import "strings"

// NormalizeRegistration strips everything but letters and digits and
// uppercases the rest, so "ab 12 cde" and "AB12CDE" key the same record.
// Idempotent.
func NormalizeRegistration(reg string) string {
	var b strings.Builder
	b.Grow(len(reg))
	for _, r := range reg {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}

// NormalizePhone strips non-digits and normalizes UK numbers to local form:
// a leading "44" country code becomes "0", and a number with neither prefix
// gets a "0" prepended.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case strings.HasPrefix(digits, "44"):
		return "0" + digits[2:]
	case !strings.HasPrefix(digits, "0"):
		return "0" + digits
	}
	return digits
}

// PhoneSearchVariant derives the second number searched alongside the
// normalized one. It replaces the literal substring "^0" with "44", which
// almost never matches anything; the table search therefore effectively runs
// on the normalized number twice. This mirrors the production system's
// behavior and is kept as the documented contract.
func PhoneSearchVariant(normalized string) string {
	return strings.ReplaceAll(normalized, "^0", "44")
}

// FormatContactNumber groups digits in fours for spoken read-back
// ("0739 8556 677").
func FormatContactNumber(number string) string {
	if number == "" {
		return number
	}
	var groups []string
	for i := 0; i < len(number); i += 4 {
		end := i + 4
		if end > len(number) {
			end = len(number)
		}
		groups = append(groups, number[i:end])
	}
	return strings.Join(groups, " ")
}
