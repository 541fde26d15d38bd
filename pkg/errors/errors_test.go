package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "with cause",
			err:  Wrap(errors.New("dial tcp: connection refused"), ErrorTypeNode, "get_work", "node unavailable"),
			want: "node operation 'get_work' failed: node unavailable (caused by: dial tcp: connection refused)",
		},
		{
			name: "without cause",
			err:  New(ErrorTypeStratum, "submit", "unknown job"),
			want: "stratum operation 'submit' failed: unknown job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeDataset, "build_dataset", "build aborted").
		WithContext("epoch", uint64(3)).
		WithContext("dir", "/var/lib/ethash")

	ctx := GetContext(fmt.Errorf("acquire: %w", err))
	if len(ctx) != 2 || ctx["epoch"] != uint64(3) || ctx["dir"] != "/var/lib/ethash" {
		t.Errorf("unexpected context %v", ctx)
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("plain errors carry no context")
	}
}

func TestNew_RetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeKafka, true},
		{ErrorTypeNode, true},
		{ErrorTypeValidation, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeDataset, false},
		{ErrorTypeStratum, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.IsRetryable() != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", err.IsRetryable(), tt.retryable)
			}
			if err.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNode, "op", "msg") != nil {
		t.Fatal("wrapping nil must return nil")
	}

	cause := errors.New("read: connection reset by peer")
	err := Wrap(cause, ErrorTypeDatabase, "insert_share", "write failed")
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if !err.IsRetryable() {
		t.Error("connection reset should be retryable")
	}

	inner := New(ErrorTypeValidation, "decode", "bad payload")
	outer := Wrap(inner, ErrorTypeKafka, "consume", "handler failed")
	if outer.IsRetryable() {
		t.Error("wrap must keep the retry hint of a wrapped ServiceError")
	}
	if !IsType(outer, ErrorTypeKafka) {
		t.Error("outer type not matched")
	}
}

func TestWrap_Cancellation(t *testing.T) {
	err := Wrap(context.Canceled, ErrorTypeDataset, "acquire", "caller cancelled")
	if err.IsRetryable() {
		t.Error("cancellation is never retryable")
	}

	timeout := Wrap(context.DeadlineExceeded, ErrorTypeTimeout, "acquire", "build lock not acquired")
	if !timeout.IsRetryable() {
		t.Error("timeout wrapper should be retryable")
	}
	if !Is(timeout, context.DeadlineExceeded) {
		t.Error("deadline not matched through wrapper")
	}
}

type rejection struct{ retry bool }

func (r rejection) Error() string     { return "rejected" }
func (r rejection) IsRetryable() bool { return r.retry }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network pattern", errors.New("dial tcp 10.0.0.1:8545: connection refused"), true},
		{"too many connections", errors.New("pq: sorry, too many connections"), true},
		{"plain", errors.New("unique constraint violated"), false},
		{"canceled", fmt.Errorf("submit: %w", context.Canceled), false},
		{"interface true", rejection{retry: true}, true},
		{"interface false", fmt.Errorf("wrapped: %w", rejection{retry: false}), false},
		{"wrapped service error", fmt.Errorf("poll: %w", New(ErrorTypeNode, "get_work", "busy")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("job manager: %w", New(ErrorTypeNode, "get_work", "failed"))
	if !IsType(err, ErrorTypeNode) {
		t.Error("expected node type through fmt wrapping")
	}
	if IsType(err, ErrorTypeDatabase) {
		t.Error("unexpected database type")
	}
	if IsType(errors.New("plain"), ErrorTypeNode) {
		t.Error("plain errors have no type")
	}
}

func TestSentinel(t *testing.T) {
	errA := Sentinel("dataset released")
	errB := Sentinel("dataset released")

	wrapped := Wrap(errA, ErrorTypeDataset, "compute", "failed")
	if !Is(wrapped, errA) {
		t.Error("wrapped sentinel not matched")
	}
	if Is(wrapped, errB) {
		t.Error("sentinels with equal text must stay distinct")
	}

	var se *ServiceError
	if !As(wrapped, &se) || se.Type != ErrorTypeDataset {
		t.Errorf("As did not find dataset ServiceError, got %v", se)
	}
}
