package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/sells-group/refdata/internal/config"
	"github.com/sells-group/refdata/internal/model"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func transientFetch() error {
	return &model.FetchError{Source: "HKEX.ShortSellEligible", StatusCode: 503, Reason: "server error", Transient: true}
}

func TestIsTransient(t *testing.T) {
	timeout := &net.DNSError{Err: "timeout", IsTimeout: true}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad input"), false},
		{"transient fetch", transientFetch(), true},
		{"wrapped transient fetch", fmt.Errorf("run: %w", transientFetch()), true},
		{"fetch 503 unflagged", &model.FetchError{StatusCode: 503}, true},
		{"fetch 404", &model.FetchError{StatusCode: 404}, false},
		{"fetch wrapping reset", &model.FetchError{Err: syscall.ECONNRESET}, true},
		{"session expired", &model.SessionExpiredError{Source: "CCASS.Holdings"}, false},
		{"schema mismatch", &model.SchemaMismatchError{Source: "x"}, false},
		{"write", &model.WriteError{Err: errors.New("i/o timeout")}, false},
		{"circuit open", ErrCircuitOpen, false},
		{"net timeout", timeout, true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"pattern", errors.New("read: connection reset by peer"), true},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 301, 400, 403, 404} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
}

func TestDoVal_SuccessAfterRetry(t *testing.T) {
	var calls int
	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	val, err := DoVal(context.Background(), cfg, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", transientFetch()
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", val, calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("unexpected retry callbacks: %v", retries)
	}
}

func TestDoVal_ExhaustsRetries(t *testing.T) {
	var calls int
	_, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (int, error) {
		calls++
		return 0, transientFetch()
	})
	var fe *model.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoVal_PermanentErrorNoRetry(t *testing.T) {
	var calls int
	_, err := DoVal(context.Background(), fastRetry(5), func(_ context.Context) (int, error) {
		calls++
		return 0, &model.SchemaMismatchError{Source: "KRX.Securities", Reason: "no header"}
	})
	if err == nil || calls != 1 {
		t.Errorf("expected one call and an error, got %d calls, err=%v", calls, err)
	}
}

func TestDoVal_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := fastRetry(10)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	cfg.OnRetry = func(int, error) { cancel() }

	_, err := DoVal(ctx, cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, transientFetch()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected retries to stop after cancel, got %d calls", calls)
	}
}

func TestComputeBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := computeBackoff(i, cfg); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}

	cfg.JitterFraction = 0.5
	for range 50 {
		d := computeBackoff(0, cfg)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered backoff out of range: %v", d)
		}
	}
}

func TestCircuitBreaker_OpensOnTransientOnly(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	// Permanent errors do not count.
	for range 3 {
		_, _ = ExecuteVal(ctx, cb, func(context.Context) (int, error) {
			return 0, &model.FetchError{StatusCode: 404}
		})
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after permanent errors, got %s", cb.State())
	}

	for range 2 {
		_, _ = ExecuteVal(ctx, cb, func(context.Context) (int, error) { return 0, transientFetch() })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	_, err := ExecuteVal(ctx, cb, func(context.Context) (int, error) {
		t.Error("should not be called while open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, func(context.Context) (int, error) { return 0, transientFetch() })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.nowFunc = func() time.Time { return now.Add(2 * time.Second) }
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	// Failed probe reopens.
	_, _ = ExecuteVal(ctx, cb, func(context.Context) (int, error) { return 0, transientFetch() })
	if _, err := ExecuteVal(ctx, cb, func(context.Context) (int, error) { return 1, nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}

	cb.nowFunc = func() time.Time { return now.Add(5 * time.Second) }
	v, err := ExecuteVal(ctx, cb, func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestHostBreakers(t *testing.T) {
	hb := NewHostBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	a := hb.Get("www.hkexnews.hk")
	b := hb.Get("www.hkexnews.hk")
	c := hb.Get("www.sfc.hk")
	if a != b {
		t.Error("expected same breaker for same host")
	}
	if a == c {
		t.Error("expected distinct breakers per host")
	}

	_, _ = ExecuteVal(context.Background(), a, func(context.Context) (int, error) { return 0, transientFetch() })
	states := hb.States()
	if states["www.hkexnews.hk"] != CircuitOpen || states["www.sfc.hk"] != CircuitClosed {
		t.Errorf("unexpected states: %v", states)
	}
}

func TestFromConfig(t *testing.T) {
	rc := FromRetryConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 10, MaxBackoffMs: 100, Multiplier: 3, JitterFraction: 0})
	if rc.MaxAttempts != 5 || rc.InitialBackoff != 10*time.Millisecond || rc.MaxBackoff != 100*time.Millisecond || rc.Multiplier != 3 || rc.JitterFraction != 0 {
		t.Errorf("unexpected retry config: %+v", rc)
	}

	cc := FromCircuitConfig(config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 9})
	if cc.FailureThreshold != 2 || cc.ResetTimeout != 9*time.Second {
		t.Errorf("unexpected circuit config: %+v", cc)
	}

	def := FromCircuitConfig(config.CircuitConfig{})
	if def.FailureThreshold != 5 {
		t.Errorf("expected default threshold, got %d", def.FailureThreshold)
	}
}
