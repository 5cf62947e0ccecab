package chaincache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorClass categorises an RPC failure for retry policy. Transient classes
// (timeout, connection, rate limit, unknown) are retried with backoff;
// definitive chain-state answers (account not found, insufficient balance)
// are not, since retrying cannot change them.
type ErrorClass string

const (
	ClassTimeout             ErrorClass = "timeout"
	ClassConnection          ErrorClass = "connection"
	ClassRateLimit           ErrorClass = "rate_limit"
	ClassAccountNotFound     ErrorClass = "account_not_found"
	ClassInsufficientBalance ErrorClass = "insufficient_balance"
	ClassUnknown             ErrorClass = "unknown"
)

// Retryable reports whether an error of this class is worth another attempt.
// Unclassified errors fail open to retry, bounded by the engine's attempt
// limit.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassAccountNotFound, ClassInsufficientBalance:
		return false
	default:
		return true
	}
}

// RPCError is a failure reported by an RPC endpoint, either as a non-2xx
// HTTP status or as a JSON-RPC error object.
type RPCError struct {
	Endpoint string
	Status   int // HTTP status, 0 if the failure was in the JSON-RPC payload
	Message  string
}

func (e *RPCError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rpc %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("rpc %s: %s", e.Endpoint, e.Message)
}

// Classify maps an error to its ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Status == 429 {
		return ClassRateLimit
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}

	return classifyMessage(err.Error())
}

// Retryable is shorthand for Classify(err).Retryable().
func Retryable(err error) bool {
	return Classify(err).Retryable()
}

// classifyMessage falls back to message matching for errors that arrive as
// opaque strings from the chain (JSON-RPC error messages, proxy responses).
func classifyMessage(msg string) ErrorClass {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "unknown_account"),
		strings.Contains(lower, "account not found"):
		return ClassAccountNotFound

	case strings.Contains(lower, "insufficient"),
		strings.Contains(lower, "not enough balance"):
		return ClassInsufficientBalance

	case strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"):
		return ClassRateLimit

	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return ClassTimeout

	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "eof"):
		return ClassConnection

	default:
		return ClassUnknown
	}
}
