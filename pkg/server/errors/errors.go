// Package errors translates stack registry errors into gRPC status errors and
// into the encoded errors written by the HTTP gateway.
package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stackd/stackd/pkg/stack"
)

const (
	InternalServerErrorMsg = "Internal Server Error"

	// ErrorDomain is the domain of the google.rpc.ErrorInfo attached to stackd errors.
	ErrorDomain = "stackd"
)

var (
	RequestCancelled        = status.Error(codes.Canceled, "Request Cancelled")
	RequestDeadlineExceeded = status.Error(codes.DeadlineExceeded, "Request Deadline Exceeded")
	ServerClosed            = newStackdError(codes.Unavailable, CodeServiceUnavailable, "Server is shutting down")
)

// newStackdError returns a status error carrying reason as the code string
// written to HTTP clients, so that it does not depend on the gRPC code alone.
func newStackdError(code codes.Code, reason, message string) error {
	st := status.New(code, message)
	if detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}); err == nil {
		st = detailed
	}
	return st.Err()
}

// reasonOf returns the reason of the stackd ErrorInfo attached to st, if any.
func reasonOf(st *status.Status) (string, bool) {
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if ok && info.GetDomain() == ErrorDomain && info.GetReason() != "" {
			return info.GetReason(), true
		}
	}
	return "", false
}

type InternalError struct {
	public   error
	internal error
}

func (e InternalError) Error() string {
	return e.public.Error()
}

func (e InternalError) InternalError() string {
	return e.internal.Error()
}

func (e InternalError) Internal() error {
	return e.internal
}

// GRPCStatus hides the internal cause from the status sent to clients.
func (e InternalError) GRPCStatus() *status.Status {
	return status.Convert(e.public)
}

func NewInternalError(public string, internal error) InternalError {
	if public == "" {
		public = InternalServerErrorMsg
	}

	return InternalError{
		public:   status.Error(codes.Internal, public),
		internal: internal,
	}
}

func StackNameAlreadyExists(name string) error {
	return newStackdError(codes.AlreadyExists, CodeStackNameAlreadyExists, fmt.Sprintf("Stack '%s' already exists", name))
}

func StackNameNotFound(name string) error {
	return newStackdError(codes.NotFound, CodeStackNameNotFound, fmt.Sprintf("Stack '%s' not found", name))
}

func StackEmpty(name string) error {
	return newStackdError(codes.FailedPrecondition, CodeStackEmpty, fmt.Sprintf("Stack '%s' is empty", name))
}

func InvalidStackName(name, reason string) error {
	return newStackdError(codes.InvalidArgument, CodeInvalidStackName, fmt.Sprintf("Invalid stack name '%s': %s", name, reason))
}

func ValueTooLarge(limit int64) error {
	return newStackdError(codes.ResourceExhausted, CodeValueTooLarge, fmt.Sprintf("Pushed value exceeds the limit of %d bytes", limit))
}

// HandleError is used to hide internal errors from users. Use `public` to return an error message to the user.
func HandleError(public string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return RequestCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return RequestDeadlineExceeded
	}
	return NewInternalError(public, err)
}

// HandleStackError maps the errors returned by the stack registry for the stack
// called name. Anything else is handed to HandleError.
func HandleStackError(name string, err error) error {
	switch {
	case errors.Is(err, stack.ErrNameExists):
		return StackNameAlreadyExists(name)
	case errors.Is(err, stack.ErrNameNotFound):
		return StackNameNotFound(name)
	case errors.Is(err, stack.ErrEmptyStack):
		return StackEmpty(name)
	}
	return HandleError("", err)
}
