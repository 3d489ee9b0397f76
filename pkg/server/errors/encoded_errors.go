package errors

import (
	"net/http"
	"regexp"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	CodeStackNameAlreadyExists = "STACK_NAME_ALREADY_EXISTS"
	CodeStackNameNotFound      = "STACK_NAME_NOT_FOUND"
	CodeStackEmpty             = "STACK_EMPTY"
	CodeNotFound               = "NOT_FOUND"
	CodeAlreadyExists          = "ALREADY_EXISTS"
	CodeFailedPrecondition     = "FAILED_PRECONDITION"
	CodeInvalidArgument        = "INVALID_ARGUMENT"
	CodeResourceExhausted      = "RESOURCE_EXHAUSTED"
	CodeInvalidStackName       = "INVALID_STACK_NAME"
	CodeValueTooLarge          = "VALUE_TOO_LARGE"
	CodeRequestCancelled       = "REQUEST_CANCELLED"
	CodeRequestTimeout         = "REQUEST_TIMEOUT"
	CodeUndefinedEndpoint      = "UNDEFINED_ENDPOINT"
	CodeMethodNotAllowed       = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
	CodeInternalError          = "INTERNAL_ERROR"
)

var (
	rpcErrorPrefix = regexp.MustCompile(`rpc error: code = [a-zA-Z0-9\(\)]* desc = `)

	encodings = map[codes.Code]struct {
		httpStatus int
		code       string
	}{
		codes.AlreadyExists:      {http.StatusConflict, CodeAlreadyExists},
		codes.NotFound:           {http.StatusNotFound, CodeNotFound},
		codes.FailedPrecondition: {http.StatusMethodNotAllowed, CodeFailedPrecondition},
		codes.InvalidArgument:    {http.StatusBadRequest, CodeInvalidArgument},
		codes.ResourceExhausted:  {http.StatusRequestEntityTooLarge, CodeResourceExhausted},
		codes.Canceled:           {http.StatusInternalServerError, CodeRequestCancelled},
		codes.DeadlineExceeded:   {http.StatusGatewayTimeout, CodeRequestTimeout},
		codes.Unavailable:        {http.StatusServiceUnavailable, CodeServiceUnavailable},
	}
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodedError allows customized error with code in string and specified http status field
type EncodedError struct {
	HTTPStatusCode int
	ActualError    ErrorResponse
	grpcCode       codes.Code
}

// Error returns the encoded message
func (e *EncodedError) Error() string {
	return e.ActualError.Message
}

// HTTPStatus returns the HTTP Status code
func (e *EncodedError) HTTPStatus() int {
	return e.HTTPStatusCode
}

// Code returns the encoded code in string
func (e *EncodedError) Code() string {
	return e.ActualError.Code
}

func (e *EncodedError) GRPCStatus() *status.Status {
	return status.New(e.grpcCode, e.ActualError.Message)
}

func sanitizedMessage(message string) string {
	return strings.TrimSpace(rpcErrorPrefix.ReplaceAllString(message, ""))
}

// NewEncodedError returns the encoded error with the correct http status code etc.
func NewEncodedError(code codes.Code, message string) EncodedError {
	encoding, ok := encodings[code]
	if !ok {
		encoding.httpStatus = http.StatusInternalServerError
		encoding.code = CodeInternalError
	}

	return EncodedError{
		HTTPStatusCode: encoding.httpStatus,
		ActualError: ErrorResponse{
			Code:    encoding.code,
			Message: sanitizedMessage(message),
		},
		grpcCode: code,
	}
}

// ConvertToEncodedError encodes any error returned by the service layer. The
// code string comes from the stackd ErrorInfo of the status when there is one,
// and from the gRPC code otherwise.
func ConvertToEncodedError(err error) EncodedError {
	s := status.Convert(err)
	encoded := NewEncodedError(s.Code(), s.Message())
	if reason, ok := reasonOf(s); ok {
		encoded.ActualError.Code = reason
	}
	return encoded
}

// NewRoutingError encodes a request that matched no route, or matched a path
// with an unsupported method.
func NewRoutingError(httpStatus int) EncodedError {
	code := CodeUndefinedEndpoint
	message := "Undefined endpoint"
	if httpStatus == http.StatusMethodNotAllowed {
		code = CodeMethodNotAllowed
		message = "Method not allowed"
	}

	return EncodedError{
		HTTPStatusCode: httpStatus,
		ActualError: ErrorResponse{
			Code:    code,
			Message: message,
		},
		grpcCode: codes.Unimplemented,
	}
}
