package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindRisk, ReasonPDTLimit, "order rejected")
	if KindOf(err) != KindRisk {
		t.Errorf("expected KindRisk, got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindRisk {
		t.Errorf("kind should survive wrapping, got %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain errors should default to KindInternal")
	}
}

func TestRejectionReasons(t *testing.T) {
	err := Rejection(KindRisk, ReasonInsufficientBuyingPower, ReasonPDTLimit)

	reasons := ReasonsOf(err)
	if len(reasons) != 2 {
		t.Fatalf("expected 2 reasons, got %d", len(reasons))
	}
	if CodeOf(err) != ReasonInsufficientBuyingPower {
		t.Errorf("code should be the first reason, got %s", CodeOf(err))
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransientStorage, true},
		{KindReferenceData, true},
		{KindRisk, false},
		{KindValidation, false},
		{KindCompliance, false},
	}
	for _, tc := range cases {
		err := New(tc.kind, "", "x")
		if IsRetryable(err) != tc.want {
			t.Errorf("%s: retryable = %v, want %v", tc.kind, IsRetryable(err), tc.want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindTransientStorage, "persist order", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable with errors.Is")
	}
}
