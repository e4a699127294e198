package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RecoversAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		calls++
		if calls < 3 {
			return errors.New("slow down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	calls := 0
	inner := errors.New("bad key")
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(inner)
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %T", err)
	}
	if !errors.Is(err, inner) {
		t.Error("expected permanent error to unwrap to inner")
	}
	if Cause(err) != inner {
		t.Errorf("Cause() = %v, want %v", Cause(err), inner)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errors.New("unavailable")
	})
	if err == nil || err.Error() != "unavailable" {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func() error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := Config{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(nil) {
		t.Error("IsPermanent(nil) should be false")
	}
}

func TestCause_NonPermanent(t *testing.T) {
	err := errors.New("plain")
	if Cause(err) != err {
		t.Error("Cause should return non-permanent errors unchanged")
	}
}

func TestCalcBackoff(t *testing.T) {
	cfg := Config{InitialInterval: 100 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := calcBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("calcBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalcBackoff_JitterBounds(t *testing.T) {
	cfg := Config{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		b := calcBackoff(0, cfg)
		if b < 80*time.Millisecond || b > 120*time.Millisecond {
			t.Fatalf("backoff %v outside [80ms, 120ms]", b)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	got := Config{MaxAttempts: 7, Jitter: -1}.WithDefaults()
	if got.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", got.MaxAttempts)
	}
	if got.InitialInterval != 200*time.Millisecond {
		t.Errorf("InitialInterval = %v, want 200ms", got.InitialInterval)
	}
	if got.MaxInterval != 30*time.Second {
		t.Errorf("MaxInterval = %v, want 30s", got.MaxInterval)
	}
	if got.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", got.Jitter)
	}
}
