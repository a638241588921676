package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
)

// recorder captures requested sleeps without waiting.
type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	rec := &recorder{}
	p := Default()
	p.Sleep = rec.sleep

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return apperr.Transient("assemble", "http_503", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(rec.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], rec.delays[i])
		}
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	rec := &recorder{}
	p := Default()
	p.Sleep = rec.sleep

	calls := 0
	rejected := apperr.NonRetryable("assemble", "INVALID_INPUT_ERROR", nil)
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return rejected
	})

	if !errors.Is(err, rejected) {
		t.Fatalf("expected the rejection to be returned as-is, got %v", err)
	}
	if calls != 1 || len(rec.delays) != 0 {
		t.Errorf("expected a single attempt and no waits, got %d calls / %v", calls, rec.delays)
	}
}

func TestDoExhaustionIsFatal(t *testing.T) {
	rec := &recorder{}
	p := Default()
	p.Sleep = rec.sleep

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return apperr.Transient("assemble", "", errors.New("timeout"))
	})

	if !apperr.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(ctx context.Context, attempt int) error {
			return apperr.Transient("op", "", nil)
		})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDelayCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	if d := p.Delay(1); d != time.Second {
		t.Errorf("attempt 1: expected 1s, got %v", d)
	}
	if d := p.Delay(3); d != 4*time.Second {
		t.Errorf("attempt 3: expected 4s, got %v", d)
	}
	if d := p.Delay(10); d != 5*time.Second {
		t.Errorf("attempt 10: expected cap 5s, got %v", d)
	}
}
