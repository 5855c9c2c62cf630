package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBalancerErrorIsMatchesByCode(t *testing.T) {
	err := NewReplicaUnreachableError("replica-a", fmt.Errorf("dial tcp: connection refused"))

	assert.True(t, errors.Is(err, NewReplicaUnreachableError("other", nil)))
	assert.False(t, errors.Is(err, NewNoAvailableReplicaError(time.Second)))
	assert.Equal(t, "replica-a", err.Replica)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGetErrorCodeThroughWrapping(t *testing.T) {
	inner := NewQueryExecutionError("replica-b", fmt.Errorf("duplicate key"))
	wrapped := fmt.Errorf("run query: %w", inner)

	assert.Equal(t, ErrCodeQueryExecution, GetErrorCode(wrapped))
	assert.Equal(t, ErrCodeInternalError, GetErrorCode(fmt.Errorf("plain")))
	assert.True(t, IsBalancerError(wrapped))
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unreachable", NewReplicaUnreachableError("a", nil), true},
		{"no replica", NewNoAvailableReplicaError(time.Second), false},
		{"query failure", NewQueryExecutionError("a", fmt.Errorf("syntax")), false},
		{"foreign", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
			assert.Equal(t, tt.want, IsReplicaUnreachable(tt.err))
		})
	}
}

func TestErrorIncludesQueryID(t *testing.T) {
	err := NewQueryTimeoutError("a", time.Second).WithQueryID("q-1")
	assert.Contains(t, err.Error(), "[q-1]")
	assert.Nil(t, WrapError(nil, ErrCodeProtocol, "ipc", "noop"))
}
