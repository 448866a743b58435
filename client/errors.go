package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/loadbalance"
)

var (
	// ErrEmptyPool is recorded for an attempt that found no live connection.
	ErrEmptyPool = loadbalance.ErrEmptyPool
	// ErrUnreachable is returned when a new address never passed its health probe.
	ErrUnreachable = errors.New("client: address unreachable")
	// ErrClosed is returned by calls on a closed Client.
	ErrClosed = errors.New("client: closed")
)

// RetryError is returned when every attempt of a call failed. Attempts holds
// each attempt's error in order.
type RetryError struct {
	Attempts []error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("client: retry failed after %d attempts: %v", len(e.Attempts), multierr.Combine(e.Attempts...))
}

func (e *RetryError) Unwrap() []error {
	return e.Attempts
}

// Codes returns the status classification of each attempt, in order.
func (e *RetryError) Codes() []codes.Code {
	cs := make([]codes.Code, len(e.Attempts))
	for i, err := range e.Attempts {
		cs[i] = Code(err)
	}
	return cs
}

// Code classifies err the way the retry loop sees it.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrEmptyPool), errors.Is(err, ErrUnreachable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Code()
	}
	return status.Code(err)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeTerminal
)

// classify decides what the retry loop does after an attempt. Failures of the
// request itself cannot be fixed by another attempt; connectivity failures can.
func classify(err error) outcome {
	if err == nil {
		return outcomeSuccess
	}
	if errors.Is(err, ErrClosed) {
		return outcomeTerminal
	}
	switch Code(err) {
	case codes.NotFound,
		codes.InvalidArgument,
		codes.Unimplemented,
		codes.PermissionDenied,
		codes.Unauthenticated,
		codes.FailedPrecondition,
		codes.AlreadyExists,
		codes.OutOfRange,
		codes.Canceled:
		return outcomeTerminal
	default:
		return outcomeRetry
	}
}
