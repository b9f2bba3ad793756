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

func TestCallReturnsValueAndNotifiesObserver(t *testing.T) {
	var transitions []string
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      1,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	}).WithStateObserver(func(op string, from, to gobreaker.State) {
		transitions = append(transitions, op+":"+to.String())
	})

	got, err := Call(context.Background(), exec, "stream", func(context.Context) (int, error) {
		return 7, nil
	}, nil)
	if err != nil || got != 7 {
		t.Fatalf("Call() = %d, %v", got, err)
	}

	_, err = Call(context.Background(), exec, "stream", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(transitions) != 1 || transitions[0] != "stream:open" {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestCanceledContextIsNotRecordedAsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	class, ok := ClassifyCommon(ctx.Err())
	if !ok || class.RecordFailure || class.Retryable {
		t.Fatalf("ClassifyCommon(canceled) = %+v, %v", class, ok)
	}
	if _, ok := ClassifyCommon(errors.New("other")); ok {
		t.Fatal("unknown errors are left to the caller")
	}
}

func TestEventBusConfigGivesUpSoonerThanProvider(t *testing.T) {
	bus, provider := EventBusConfig(), ProviderConfig()
	if bus.RetryMaxAttempts >= provider.RetryMaxAttempts {
		t.Fatalf("bus attempts %d, provider %d", bus.RetryMaxAttempts, provider.RetryMaxAttempts)
	}
	if bus.BreakerMinRequests >= provider.BreakerMinRequests {
		t.Fatalf("bus min requests %d, provider %d", bus.BreakerMinRequests, provider.BreakerMinRequests)
	}
	if bus.BreakerOpenTimeout >= provider.BreakerOpenTimeout {
		t.Fatalf("bus open timeout %v, provider %v", bus.BreakerOpenTimeout, provider.BreakerOpenTimeout)
	}
}

func TestMergeAppliesOnlyPositiveOverrides(t *testing.T) {
	cfg := ProviderConfig().Merge(Config{RetryMaxAttempts: 5, BreakerOpenTimeout: -time.Second})
	if cfg.RetryMaxAttempts != 5 {
		t.Fatalf("attempts = %d", cfg.RetryMaxAttempts)
	}
	if cfg.BreakerOpenTimeout != ProviderConfig().BreakerOpenTimeout {
		t.Fatalf("negative override must be ignored, got %v", cfg.BreakerOpenTimeout)
	}
	if !cfg.BreakerEnabled {
		t.Fatal("merge must not disable the breaker")
	}
}

func TestNormalizeRepairsPartialConfig(t *testing.T) {
	cfg := Config{
		RetryInitialBackoff: time.Second,
		RetryMultiplier:     0.5,
		BreakerFailureRatio: 3,
	}.normalize()

	if cfg.RetryMaxAttempts != ProviderConfig().RetryMaxAttempts {
		t.Fatalf("attempts = %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryMaxBackoff != time.Second {
		t.Fatalf("max backoff must not undercut the initial backoff, got %v", cfg.RetryMaxBackoff)
	}
	if cfg.RetryMultiplier != 1 || cfg.BreakerFailureRatio != 1 {
		t.Fatalf("multiplier %v, failure ratio %v", cfg.RetryMultiplier, cfg.BreakerFailureRatio)
	}
	if cfg.BreakerEnabled {
		t.Fatal("normalize must keep the breaker switch as given")
	}
}
