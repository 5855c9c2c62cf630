package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Replica health errors
	ErrCodeReplicaUnreachable ErrorCode = "REPLICA_UNREACHABLE"
	ErrCodeNoAvailableReplica ErrorCode = "NO_AVAILABLE_REPLICA"

	// Query errors
	ErrCodeQueryExecution ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout   ErrorCode = "QUERY_TIMEOUT"

	// Transport errors
	ErrCodeProtocol             ErrorCode = "PROTOCOL_ERROR"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeRateLimited          ErrorCode = "RATE_LIMITED"

	// Wiring and lifecycle errors
	ErrCodeInvalidAlgorithm ErrorCode = "INVALID_ALGORITHM"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeClosed           ErrorCode = "BALANCER_CLOSED"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// BalancerError represents a structured error with context
type BalancerError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	QueryID   string                 `json:"query_id,omitempty"`
	Replica   string                 `json:"replica,omitempty"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *BalancerError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	if e.QueryID != "" {
		msg = fmt.Sprintf("[%s]%s", e.QueryID, msg)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap returns the underlying error
func (e *BalancerError) Unwrap() error {
	return e.Cause
}

// Is matches another BalancerError by code
func (e *BalancerError) Is(target error) bool {
	if t, ok := target.(*BalancerError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *BalancerError) WithMetadata(key string, value interface{}) *BalancerError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithQueryID attaches the correlation id of the failed query
func (e *BalancerError) WithQueryID(id string) *BalancerError {
	e.QueryID = id
	return e
}

// WithReplica attaches the replica name the error refers to
func (e *BalancerError) WithReplica(name string) *BalancerError {
	e.Replica = name
	return e
}

// IsRetryable returns true if the query may succeed on another replica
func (e *BalancerError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeReplicaUnreachable:
		return true
	default:
		return false
	}
}

// NewError creates a new BalancerError
func NewError(code ErrorCode, component, message string) *BalancerError {
	return &BalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with BalancerError structure
func WrapError(err error, code ErrorCode, component, message string) *BalancerError {
	if err == nil {
		return nil
	}

	return &BalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewReplicaUnreachableError reports that a replica connection could not be
// established or was lost.
func NewReplicaUnreachableError(replica string, cause error) *BalancerError {
	var err *BalancerError
	if cause != nil {
		err = WrapError(cause, ErrCodeReplicaUnreachable, "replica",
			fmt.Sprintf("replica %s is unreachable", replica))
	} else {
		err = NewError(ErrCodeReplicaUnreachable, "replica",
			fmt.Sprintf("replica %s is unreachable", replica))
	}
	return err.WithReplica(replica)
}

// NewNoAvailableReplicaError is returned when no replica was RUNNING and idle
// within the allowed wait.
func NewNoAvailableReplicaError(waited time.Duration) *BalancerError {
	return NewError(
		ErrCodeNoAvailableReplica,
		"routing",
		fmt.Sprintf("no running idle replica available after %s", waited),
	).WithMetadata("waited", waited.String())
}

// NewQueryExecutionError wraps a failure the replica reported for the query itself
func NewQueryExecutionError(replica string, cause error) *BalancerError {
	return WrapError(cause, ErrCodeQueryExecution, "worker", "query failed").WithReplica(replica)
}

// NewQueryTimeoutError is returned when a routed query did not complete in time
func NewQueryTimeoutError(replica string, timeout time.Duration) *BalancerError {
	return NewError(
		ErrCodeQueryTimeout,
		"load_balancer",
		fmt.Sprintf("query did not complete on replica %s within %s", replica, timeout),
	).WithReplica(replica)
}

// NewProtocolError reports a malformed frame on an IPC connection
func NewProtocolError(message string, cause error) *BalancerError {
	if cause == nil {
		return NewError(ErrCodeProtocol, "ipc", message)
	}
	return WrapError(cause, ErrCodeProtocol, "ipc", message)
}

// NewAuthenticationError reports a failed IPC handshake
func NewAuthenticationError(reason string) *BalancerError {
	return NewError(
		ErrCodeAuthenticationFailed,
		"ipc",
		fmt.Sprintf("authentication failed: %s", reason),
	)
}

// NewClosedError is returned for work submitted to or pending in a stopped balancer
func NewClosedError() *BalancerError {
	return NewError(ErrCodeClosed, "load_balancer", "load balancer is closed")
}

// NewAlgorithmError reports an unknown routing algorithm name
func NewAlgorithmError(role, name string) *BalancerError {
	return NewError(
		ErrCodeInvalidAlgorithm,
		"factory",
		fmt.Sprintf("unsupported %s algorithm '%s'", role, name),
	).WithMetadata("algorithm", name)
}

// IsBalancerError checks if an error is a BalancerError
func IsBalancerError(err error) bool {
	var lbErr *BalancerError
	return errors.As(err, &lbErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var lbErr *BalancerError
	if errors.As(err, &lbErr) {
		return lbErr.Code
	}
	return ErrCodeInternalError
}

// IsReplicaUnreachable reports whether err signals a lost replica connection
func IsReplicaUnreachable(err error) bool {
	return err != nil && GetErrorCode(err) == ErrCodeReplicaUnreachable
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var lbErr *BalancerError
	if errors.As(err, &lbErr) {
		return lbErr.IsRetryable()
	}
	return false
}
