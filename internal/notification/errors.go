package notification

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("notification not found")
	// ErrNotClaimable is returned by ClaimDelivery when the record is not
	// sent or another invocation already claimed it.
	ErrNotClaimable = errors.New("notification not claimable")
	// ErrAlreadyCompleted is returned when the terminal record already exists.
	ErrAlreadyCompleted = errors.New("delivery already recorded")
	ErrUserNotFound     = errors.New("user not found")
	ErrNoDriver         = errors.New("no driver registered for channel")
)

const (
	noRecipientsMessage = "No valid push tokens found"
	interruptedMessage  = "delivery interrupted"
)

// Code is the status reported to RPC callers.
type Code string

const (
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInternal         Code = "INTERNAL"
)

type RPCError struct {
	Code    Code
	Message string
	Err     error
}

func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

func newRPCError(code Code, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// CodeOf extracts the RPC code from err, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return CodeInternal
}
