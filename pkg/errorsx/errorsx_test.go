package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonBackend)
	if Reason(err) != ReasonBackend {
		t.Fatalf("expected reason %s, got %s", ReasonBackend, Reason(err))
	}
	if !HasReason(err, ReasonBackend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonNotFound)
	second := Wrap(first, ReasonTool)
	if Reason(second) != ReasonNotFound {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
