package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReasonLabelMatchesWrappedErrors(t *testing.T) {
	sentinel := errors.New("collateral ratio below minimum")
	RegisterReason(sentinel, "unsafe")

	if got := reasonLabel(sentinel); got != "unsafe" {
		t.Fatalf("reason = %q, want unsafe", got)
	}
	wrapped := fmt.Errorf("mint: %w", sentinel)
	if got := reasonLabel(wrapped); got != "unsafe" {
		t.Fatalf("wrapped reason = %q, want unsafe", got)
	}
	if got := reasonLabel(errors.New("some other failure")); got != "other" {
		t.Fatalf("unknown reason = %q, want other", got)
	}
}

func TestObserveHandlesNilAndErrors(t *testing.T) {
	var nilMetrics *VaultMetrics
	nilMetrics.Observe("mint", time.Now(), nil)

	m := Metrics()
	m.Observe("mint", time.Now(), nil)
	m.Observe("mint", time.Now(), errors.New("boom"))
}
