package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonCopilotRequest)
	if Reason(err) != ReasonCopilotRequest {
		t.Fatalf("expected reason %s, got %s", ReasonCopilotRequest, Reason(err))
	}
	if !HasReason(err, ReasonCopilotRequest) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonCopilotRequest)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonOnPlainError(t *testing.T) {
	if Reason(assertErr{}) != ReasonUnknown {
		t.Fatalf("expected unknown reason for plain error")
	}
	if Wrap(nil, ReasonFanoutSend) != nil {
		t.Fatalf("expected nil wrap of nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
