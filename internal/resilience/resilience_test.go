package resilience

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/r3e-benchfabric/master/internal/logging"
)

func TestRetry_Success(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}

	err := Retry(context.Background(), cfg, func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_AllFail(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}
	testErr := errors.New("always fail")

	err := Retry(context.Background(), cfg, func() error {
		return testErr
	})

	if err != testErr {
		t.Errorf("expected testErr, got %v", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}
	attempts := 0

	err := Retry(ctx, cfg, func() error {
		attempts++
		return errors.New("fail")
	})

	if err == nil {
		t.Error("expected error for cancelled context")
	}
	if attempts > 1 {
		t.Errorf("expected at most 1 attempt with cancelled context, got %d", attempts)
	}
}

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, Timeout: time.Second})
	testErr := errors.New("test error")

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func() error {
			return testErr
		})
	}

	if cb.State() != StateOpen {
		t.Errorf("expected open, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})

	cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 2; i++ {
		cb.Execute(context.Background(), func() error {
			return nil
		})
	}

	if cb.State() != StateClosed {
		t.Errorf("expected closed after successes, got %v", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{MaxFailures: 1, Timeout: time.Hour})

	cb.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	err := cb.Execute(context.Background(), func() error {
		return nil
	})

	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestFabricBreakerPresets(t *testing.T) {
	sutRPC := SUTRPCBreakerConfig(nil)
	if sutRPC.MaxFailures != 3 || sutRPC.HalfOpenMax != 1 {
		t.Errorf("unexpected SUT RPC breaker config: %+v", sutRPC)
	}

	visionQueue := VisionQueueBreakerConfig(nil)
	if visionQueue.MaxFailures != 8 || visionQueue.HalfOpenMax != 4 {
		t.Errorf("unexpected vision queue breaker config: %+v", visionQueue)
	}
}

func TestFabricCBConfig_LogsStateChangeWithComponent(t *testing.T) {
	logger := logging.New("test", "info", "json")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	cfg := FabricCBConfig(FabricBreakerConfig{
		Component:      "sut_rpc",
		MaxFailures:    1,
		TimeoutSeconds: 3600,
		HalfOpenMax:    1,
		Logger:         logger,
	})
	cfg.OnStateChange(StateClosed, StateOpen)

	if !strings.Contains(buf.String(), `"component":"sut_rpc"`) {
		t.Errorf("expected component field in log output, got %q", buf.String())
	}
}
