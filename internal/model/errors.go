package model

import (
	"errors"
	"fmt"
)

// ErrorType is a stable numeric error code shared with the peer over the wire.
type ErrorType int64

const (
	Generic ErrorType = 0

	NonConformingNamespaces ErrorType = 1000

	MissingOrInvalid     ErrorType = 1100
	InvalidUpdateRequest ErrorType = 1103
	InvalidExtendRequest ErrorType = 1105
	NoMatchingKey        ErrorType = 1112
	MismatchedTopic      ErrorType = 1114
	Expired              ErrorType = 1120

	JsonRpcRequestTimeout ErrorType = 2001

	UnauthorizedMethod        ErrorType = 3001
	UnauthorizedEvent         ErrorType = 3002
	UnauthorizedUpdateRequest ErrorType = 3003
	UnauthorizedExtendRequest ErrorType = 3005
	UnauthorizedChain         ErrorType = 3100

	JsonRpcRequestMethodRejected ErrorType = 4001

	DisapprovedChains   ErrorType = 5000
	DisapprovedJsonRpc  ErrorType = 5001
	DisapprovedEvents   ErrorType = 5002
	UnsupportedChains   ErrorType = 5100
	UnsupportedMethods  ErrorType = 5101
	UnsupportedEvents   ErrorType = 5102
	UnsupportedAccounts ErrorType = 5103
	UnsupportedNSKey    ErrorType = 5104

	UserDisconnected ErrorType = 6000

	SessionSettlementFailed ErrorType = 7000
	SessionNotFound         ErrorType = 7001
	SessionExpired          ErrorType = 7002

	SessionRequestExpired ErrorType = 8000

	TransportFailure  ErrorType = 9000
	DecryptionFailure ErrorType = 9001

	WcMethodUnsupported ErrorType = 10001
)

var errorMessages = map[ErrorType]string{
	Generic:                      "{0}",
	NonConformingNamespaces:      "Non conforming namespaces. {0}",
	MissingOrInvalid:             "Missing or invalid. {0}",
	InvalidUpdateRequest:         "Invalid update request. {0}",
	InvalidExtendRequest:         "Invalid extend request. {0}",
	NoMatchingKey:                "No matching key. {0}",
	MismatchedTopic:              "Mismatched topic. {0}",
	Expired:                      "Expired. {0}",
	JsonRpcRequestTimeout:        "JSON-RPC request timeout. {0}",
	UnauthorizedMethod:           "Unauthorized method. {0}",
	UnauthorizedEvent:            "Unauthorized event. {0}",
	UnauthorizedUpdateRequest:    "Unauthorized update request. {0}",
	UnauthorizedExtendRequest:    "Unauthorized extend request. {0}",
	UnauthorizedChain:            "Unauthorized target chain. {0}",
	JsonRpcRequestMethodRejected: "User rejected the request. {0}",
	DisapprovedChains:            "User disapproved requested chains. {0}",
	DisapprovedJsonRpc:           "User disapproved requested json-rpc methods. {0}",
	DisapprovedEvents:            "User disapproved requested event types. {0}",
	UnsupportedChains:            "Unsupported chains. {0}",
	UnsupportedMethods:           "Unsupported methods. {0}",
	UnsupportedEvents:            "Unsupported events. {0}",
	UnsupportedAccounts:          "Unsupported accounts. {0}",
	UnsupportedNSKey:             "Unsupported namespace key. {0}",
	UserDisconnected:             "User disconnected. {0}",
	SessionSettlementFailed:      "Session settlement failed. {0}",
	SessionNotFound:              "Session not found. {0}",
	SessionExpired:               "Session expired. {0}",
	SessionRequestExpired:        "Session request expired. {0}",
	TransportFailure:             "Transport failure. {0}",
	DecryptionFailure:            "Decryption failure. {0}",
	WcMethodUnsupported:          "Unsupported wc_ method. {0}",
}

// Error is the protocol error carried in JSON-RPC error responses and used as
// the deletion reason of stored entities.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// Is matches errors with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Type() ErrorType { return ErrorType(e.Code) }

// MessageFromType renders the canonical message for t with context spliced in.
func MessageFromType(t ErrorType, context string) string {
	tmpl, ok := errorMessages[t]
	if !ok {
		tmpl = errorMessages[Generic]
	}
	msg := replacePlaceholder(tmpl, context)
	if msg == "" {
		msg = fmt.Sprintf("error %d", t)
	}
	return msg
}

func replacePlaceholder(tmpl, context string) string {
	const ph = "{0}"
	out := make([]byte, 0, len(tmpl)+len(context))
	for i := 0; i < len(tmpl); i++ {
		if i+len(ph) <= len(tmpl) && tmpl[i:i+len(ph)] == ph {
			out = append(out, context...)
			i += len(ph) - 1
			continue
		}
		out = append(out, tmpl[i])
	}
	// trailing space left when context is empty
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return string(out)
}

func ErrorFromType(t ErrorType, context string) *Error {
	return &Error{
		Code:    int64(t),
		Message: MessageFromType(t, context),
	}
}

// Errorf builds an Error of type t with a formatted context.
func Errorf(t ErrorType, format string, args ...any) *Error {
	return ErrorFromType(t, fmt.Sprintf(format, args...))
}

// AsError extracts a protocol Error from err. Errors that carry no code are
// reported as Generic with the error text as message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: int64(Generic), Message: err.Error()}
}
