package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         1 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	})

	errTemp := errors.New("temporary")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: true,
		}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, classifier)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
}

func TestDoReturnsValueAfterRetry(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: 1 * time.Millisecond,
		RetryMaxBackoff:     1 * time.Millisecond,
		BreakerEnabled:      false,
	})

	calls := 0
	errTemp := errors.New("ollama busy")
	got, err := Do(context.Background(), exec, OpOllamaGenerate, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTemp
		}
		return 42, nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
	})
	if err != nil || got != 42 {
		t.Fatalf("expected 42 after retry, got %d, %v", got, err)
	}

	direct, err := Do(context.Background(), nil, "direct", func(context.Context) (string, error) {
		return "ok", nil
	}, nil)
	if err != nil || direct != "ok" {
		t.Fatalf("nil executor must call fn directly, got %q, %v", direct, err)
	}
}

func TestStateChangeHookObservesOpenCircuit(t *testing.T) {
	var transitions []string
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      1,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
		OnStateChange: func(operation, from, to string) {
			transitions = append(transitions, operation+":"+from+"->"+to)
		},
	})

	_ = exec.Execute(context.Background(), OpMinioPutObject, func(context.Context) error {
		return errors.New("connection refused")
	}, nil)
	err := exec.Execute(context.Background(), OpMinioPutObject, func(context.Context) error { return nil }, nil)
	if !IsCircuitOpen(err) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if len(transitions) != 1 || transitions[0] != OpMinioPutObject+":closed->open" {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestExecuteUsesOperationRetryOverride(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		RetryOverrides: map[string]RetryPolicy{
			"slow.op": {MaxAttempts: 4, InitialBackoff: time.Millisecond},
		},
	})
	retryAll := func(error) ErrorClassification { return Transient }

	calls := map[string]int{}
	for _, op := range []string{"slow.op", "fast.op"} {
		_ = exec.Execute(context.Background(), op, func(context.Context) error {
			calls[op]++
			return errors.New("unavailable")
		}, retryAll)
	}
	if calls["slow.op"] != 4 {
		t.Fatalf("expected override to allow 4 attempts, got %d", calls["slow.op"])
	}
	if calls["fast.op"] != 1 {
		t.Fatalf("expected default single attempt, got %d", calls["fast.op"])
	}
}

func TestRetryBackoffGrowsToCap(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     300 * time.Millisecond,
		RetryMultiplier:     2,
	})
	var waits []time.Duration
	exec.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	err := exec.Execute(context.Background(), OpNATSPublish, func(context.Context) error {
		return errors.New("no responders")
	}, func(error) ErrorClassification { return Transient })
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("expected waits %v, got %v", want, waits)
		}
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	exec := NewExecutor(Config{RetryMaxAttempts: 5, RetryInitialBackoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	exec.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	calls := 0
	errBusy := errors.New("model busy")
	err := exec.Execute(ctx, OpOllamaGenerate, func(context.Context) error {
		calls++
		return errBusy
	}, func(error) ErrorClassification { return Transient })
	if !errors.Is(err, errBusy) || calls != 1 {
		t.Fatalf("expected the last dependency error after one call, got %v after %d", err, calls)
	}
}

func TestDefaultPolicyGivesModelServerLongerBackoff(t *testing.T) {
	cfg := DefaultConfig()
	model := cfg.retryFor(OpOllamaGenerate)
	store := cfg.retryFor(OpMinioGetObject)
	if model.InitialBackoff <= store.InitialBackoff || model.MaxBackoff <= store.MaxBackoff {
		t.Fatalf("expected a longer model backoff, got %+v vs %+v", model, store)
	}
}
