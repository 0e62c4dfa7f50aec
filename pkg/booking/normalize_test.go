package booking

import "testing"

func TestNormalizeRegistration(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ab 12 cd", "AB12CD"},
		{"AB12CD", "AB12CD"},
		{"v-e-68 v.e.p", "VE68VEP"},
		{"  ab12cde  ", "AB12CDE"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRegistration(tc.in); got != tc.want {
			t.Fatalf("NormalizeRegistration(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeRegistrationIdempotent(t *testing.T) {
	for _, in := range []string{"ab 12 cd", "AB12CD", "v e 68 vep", "!!reg??123"} {
		once := NormalizeRegistration(in)
		twice := NormalizeRegistration(once)
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct{ in, want string }{
		{"07398 556 677", "07398556677"},
		{"+44 7398 556677", "07398556677"},
		{"447398556677", "07398556677"},
		{"7398556677", "07398556677"},
		{"(0) 7398-556-677", "07398556677"},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPhoneSearchVariantKeepsLiteralSemantics(t *testing.T) {
	// The variant replaces the literal substring "^0", not a leading zero.
	// A normal number contains no "^0", so it passes through unchanged.
	if got := PhoneSearchVariant("07398556677"); got != "07398556677" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if got := PhoneSearchVariant("^07398"); got != "447398" {
		t.Fatalf("expected literal replacement, got %q", got)
	}
}

func TestFormatContactNumber(t *testing.T) {
	cases := []struct{ in, want string }{
		{"07398556677", "0739 8556 677"},
		{"0739", "0739"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FormatContactNumber(tc.in); got != tc.want {
			t.Fatalf("FormatContactNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
