package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/omerlefaruk/CasareRPA-sub002/resilience"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error defaults retryable", errors.New("element not found"), true},
		{"permanent marker", resilience.Permanent(errors.New("bad workflow")), false},
		{"transient marker", resilience.Transient(errors.New("target app busy")), true},
		{"wrapped permanent", fmt.Errorf("run: %w", resilience.Permanent(errors.New("x"))), false},
		{"wrapped transient", fmt.Errorf("run: %w", resilience.Transient(errors.New("x"))), true},
		{"net error", timeoutErr{}, true},
		{"context canceled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("run: %w", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resilience.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarkersPreserveMessage(t *testing.T) {
	base := errors.New("boom")

	if got := resilience.Permanent(base).Error(); got != "boom" {
		t.Errorf("Permanent message = %q", got)
	}
	if got := resilience.Transient(base).Error(); got != "boom" {
		t.Errorf("Transient message = %q", got)
	}
	if !errors.Is(resilience.Permanent(base), base) {
		t.Error("Permanent should unwrap to the base error")
	}
}

func TestMarkersNilPassthrough(t *testing.T) {
	if resilience.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if resilience.Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestRetryPolicyRequeuePolicy(t *testing.T) {
	p := resilience.RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 3,
		MaxDelay:   time.Minute,
		Jitter:     true,
	}

	rp := p.RequeuePolicy()
	if rp.BaseDelay != time.Second || rp.Multiplier != 3 || rp.MaxDelay != time.Minute {
		t.Errorf("RequeuePolicy = %+v, mismatch", rp)
	}
}

func TestRetryPolicyNextDelayWithoutJitter(t *testing.T) {
	p := resilience.RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
	}

	if got := p.NextDelay(1); got != time.Second {
		t.Errorf("NextDelay(1) = %v, want 1s", got)
	}
	if got := p.NextDelay(3); got != 4*time.Second {
		t.Errorf("NextDelay(3) = %v, want 4s", got)
	}
	if got := p.NextDelay(10); got != 10*time.Second {
		t.Errorf("NextDelay(10) = %v, want capped 10s", got)
	}
}
