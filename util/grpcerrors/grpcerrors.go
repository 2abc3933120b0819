package grpcerrors

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToGRPC encodes an error into a status error that carries the code
// determined by Code. Errors that already are gRPC status errors pass
// through unchanged.
func ToGRPC(err error) error {
	if err == nil || isGRPCError(err) {
		return err
	}
	return status.New(Code(err), err.Error()).Err()
}

func isGRPCError(err error) bool {
	_, ok := status.FromError(err)
	return ok
}

// Code will produce an error code from the error. It will
// iterate through the error chain in a depth-first search
// order unwrapping errors to determine the code.
//
// The following interfaces are supported in the given order:
// * GRPCStatus() *google.golang.org/grpc/status.Status
// * Code() google.golang.org/grpc/codes.Code
// * context.Canceled and context.DeadlineExceeded
//
// If none of the above types of errors exist in the chain,
// this will return the Unknown code. The nil value for an
// error will return OK.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	// This is a stack so the last error is the first out. In
	// general, this slice should remain a consistent size because
	// most errors are linear trees so it will keep pushing and
	// popping to the same memory location.
	unvisited := []error{err}
	for len(unvisited) > 0 {
		err, unvisited = pop(unvisited)

		switch err := err.(type) {
		case interface{ GRPCStatus() *status.Status }:
			st := err.GRPCStatus()
			if code := st.Code(); code != codes.OK && code != codes.Unknown {
				return code
			}
		case interface{ Code() codes.Code }:
			return err.Code()
		}

		switch err {
		case context.Canceled:
			return codes.Canceled
		case context.DeadlineExceeded:
			return codes.DeadlineExceeded
		}

		// Unwrap the error if this method is supported.
		switch err := err.(type) {
		case interface{ Unwrap() error }:
			if child := err.Unwrap(); child != nil {
				unvisited = push(unvisited, child)
			}
		case interface{ Unwrap() []error }:
			children := err.Unwrap()
			if len(children) == 0 {
				continue
			}
			unvisited = push(unvisited, children...)
		}
	}
	return codes.Unknown
}

func pop[T any](s []T) (elem T, rest []T) {
	elem = s[len(s)-1]
	rest = s[:len(s)-1]
	return elem, rest
}

func push[T any](s []T, elems ...T) []T {
	if len(elems) == 1 {
		return append(s, elems...)
	}

	// If there are multiple elements, batch add them and reverse
	// the order so the first element is the last in the array (FIFO).
	i := len(s)
	s = append(s, elems...)
	for j := len(s) - 1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return s
}

// WrapCode pins the code reported by Code for err without altering its
// message.
func WrapCode(err error, code codes.Code) error {
	return &withCode{error: err, code: code}
}

func AsGRPCStatus(err error) (*status.Status, bool) {
	if err == nil {
		return nil, true
	}
	if se, ok := err.(interface {
		GRPCStatus() *status.Status
	}); ok {
		return se.GRPCStatus(), true
	}

	wrapped, ok := err.(interface {
		Unwrap() error
	})
	if ok {
		if err := wrapped.Unwrap(); err != nil {
			return AsGRPCStatus(err)
		}
	}

	return nil, false
}

// FromGRPC converts a status error back into a plain error that still
// reports its status through GRPCStatus. Non-status errors pass through
// unchanged.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	return &grpcStatusError{st: st}
}

type grpcStatusError struct {
	st *status.Status
}

func (e *grpcStatusError) Error() string {
	if e.st.Code() == codes.OK || e.st.Code() == codes.Unknown {
		return e.st.Message()
	}
	return e.st.Code().String() + ": " + e.st.Message()
}

func (e *grpcStatusError) GRPCStatus() *status.Status {
	return e.st
}

type withCode struct {
	code codes.Code
	error
}

func (e *withCode) Code() codes.Code {
	return e.code
}

func (e *withCode) Unwrap() error {
	return e.error
}
