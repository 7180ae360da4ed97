package origin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", config.MaxAttempts)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	logger := zerolog.Nop()
	serverErr := &FetchError{StatusCode: 502, Class: ErrorClassServer}
	clientErr := &FetchError{StatusCode: 404, Class: ErrorClassClient}

	tests := []struct {
		name      string
		attempts  int
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "success first try", attempts: 3, failures: 0, failWith: serverErr, wantCalls: 1},
		{name: "server error recovers", attempts: 3, failures: 2, failWith: serverErr, wantCalls: 3},
		{name: "server error exhausts", attempts: 3, failures: 5, failWith: serverErr, wantCalls: 3, wantErr: true},
		{name: "client error not retried", attempts: 3, failures: 5, failWith: clientErr, wantCalls: 1, wantErr: true},
		{name: "retries disabled", attempts: 1, failures: 5, failWith: serverErr, wantCalls: 1, wantErr: true},
		{name: "plain error treated as network", attempts: 2, failures: 5, failWith: errors.New("boom"), wantCalls: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryWithBackoff(context.Background(), fastRetry(tt.attempts), logger, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("retryWithBackoff() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr && !errors.Is(err, tt.failWith) {
				t.Errorf("error = %v, want the last failure %v", err, tt.failWith)
			}
		})
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryWithBackoff(ctx, fastRetry(5), zerolog.Nop(), func() error {
		calls++
		return &FetchError{StatusCode: 500, Class: ErrorClassServer}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 when context is already cancelled", calls)
	}
}
