package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestEncodedError(t *testing.T) {
	type encodedTests struct {
		_name                  string
		err                    error
		expectedCodeString     string
		expectedHTTPStatusCode int
		expectedMessage        string
	}
	var tests = []encodedTests{
		{
			_name:                  "already_exists",
			err:                    StackNameAlreadyExists("s"),
			expectedHTTPStatusCode: http.StatusConflict,
			expectedCodeString:     CodeStackNameAlreadyExists,
			expectedMessage:        "Stack 's' already exists",
		},
		{
			_name:                  "not_found",
			err:                    StackNameNotFound("s"),
			expectedHTTPStatusCode: http.StatusNotFound,
			expectedCodeString:     CodeStackNameNotFound,
			expectedMessage:        "Stack 's' not found",
		},
		{
			_name:                  "empty",
			err:                    StackEmpty("s"),
			expectedHTTPStatusCode: http.StatusMethodNotAllowed,
			expectedCodeString:     CodeStackEmpty,
			expectedMessage:        "Stack 's' is empty",
		},
		{
			_name:                  "invalid_name",
			err:                    InvalidStackName("a/b", "must not contain '/'"),
			expectedHTTPStatusCode: http.StatusBadRequest,
			expectedCodeString:     CodeInvalidStackName,
			expectedMessage:        "Invalid stack name 'a/b': must not contain '/'",
		},
		{
			_name:                  "value_too_large",
			err:                    ValueTooLarge(10),
			expectedHTTPStatusCode: http.StatusRequestEntityTooLarge,
			expectedCodeString:     CodeValueTooLarge,
			expectedMessage:        "Pushed value exceeds the limit of 10 bytes",
		},
		{
			_name:                  "cancelled",
			err:                    RequestCancelled,
			expectedHTTPStatusCode: http.StatusInternalServerError,
			expectedCodeString:     CodeRequestCancelled,
			expectedMessage:        "Request Cancelled",
		},
		{
			_name:                  "deadline_exceeded",
			err:                    RequestDeadlineExceeded,
			expectedHTTPStatusCode: http.StatusGatewayTimeout,
			expectedCodeString:     CodeRequestTimeout,
			expectedMessage:        "Request Deadline Exceeded",
		},
		{
			_name:                  "internal_error_hides_cause",
			err:                    NewInternalError("", errors.New("secret")),
			expectedHTTPStatusCode: http.StatusInternalServerError,
			expectedCodeString:     CodeInternalError,
			expectedMessage:        InternalServerErrorMsg,
		},
		{
			_name:                  "plain_error",
			err:                    errors.New("boom"),
			expectedHTTPStatusCode: http.StatusInternalServerError,
			expectedCodeString:     CodeInternalError,
			expectedMessage:        "boom",
		},
		{
			_name:                  "nested_status_message_is_sanitized",
			err:                    status.Error(codes.NotFound, "rpc error: code = NotFound desc = Stack 'x' not found"),
			expectedHTTPStatusCode: http.StatusNotFound,
			expectedCodeString:     CodeNotFound,
			expectedMessage:        "Stack 'x' not found",
		},
		{
			_name:                  "unknown_health_service_is_not_a_missing_stack",
			err:                    status.Error(codes.NotFound, "service 'other' is not registered with the Health server"),
			expectedHTTPStatusCode: http.StatusNotFound,
			expectedCodeString:     CodeNotFound,
			expectedMessage:        "service 'other' is not registered with the Health server",
		},
		{
			_name:                  "server_closed",
			err:                    ServerClosed,
			expectedHTTPStatusCode: http.StatusServiceUnavailable,
			expectedCodeString:     CodeServiceUnavailable,
			expectedMessage:        "Server is shutting down",
		},
		{
			_name:                  "reason_survives_the_wire",
			err:                    status.FromProto(status.Convert(StackNameNotFound("s")).Proto()).Err(),
			expectedHTTPStatusCode: http.StatusNotFound,
			expectedCodeString:     CodeStackNameNotFound,
			expectedMessage:        "Stack 's' not found",
		},
	}

	for _, test := range tests {
		t.Run(test._name, func(t *testing.T) {
			actualError := ConvertToEncodedError(test.err)
			require.Equal(t, test.expectedHTTPStatusCode, actualError.HTTPStatus())
			require.Equal(t, test.expectedCodeString, actualError.Code())
			require.Equal(t, test.expectedMessage, actualError.Error())
		})
	}
}

func TestEncodedErrorKeepsGRPCCode(t *testing.T) {
	encoded := NewEncodedError(codes.NotFound, "Stack 's' not found")
	require.Equal(t, codes.NotFound, status.Code(&encoded))
}

func TestNewRoutingError(t *testing.T) {
	notFound := NewRoutingError(http.StatusNotFound)
	require.Equal(t, http.StatusNotFound, notFound.HTTPStatus())
	require.Equal(t, CodeUndefinedEndpoint, notFound.Code())

	notAllowed := NewRoutingError(http.StatusMethodNotAllowed)
	require.Equal(t, http.StatusMethodNotAllowed, notAllowed.HTTPStatus())
	require.Equal(t, CodeMethodNotAllowed, notAllowed.Code())
}
