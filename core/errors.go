package core

import (
	"errors"
	"fmt"
	"net/http"
)

// BadRequestError reports a request the client got wrong: malformed body,
// unexpected field, bad boolean encoding. Maps to HTTP 400.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string {
	return e.Msg
}

// NotFoundError reports a URL or operation that does not resolve to any
// registered route. Maps to HTTP 404.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string {
	return e.Msg
}

// InternalError reports a breach of an internal invariant, such as a
// metadata lookup failure for an id that already passed routing. It is
// never a client input defect. Maps to HTTP 500.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return e.Msg
}

func badRequestf(format string, args ...any) error {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

func internalf(format string, args ...any) error {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}

func IsBadRequest(err error) bool {
	var e *BadRequestError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsInternal(err error) bool {
	var e *InternalError
	return errors.As(err, &e)
}

// HTTPStatus maps a dispatcher error to the HTTP status it should surface
// as. Unknown errors are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case IsBadRequest(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// LocalizableMessage is one human-readable message attached to a provider
// error or a task description.
type LocalizableMessage struct {
	ID             string   `json:"id" mapstructure:"id"`
	DefaultMessage string   `json:"default_message" mapstructure:"default_message"`
	Args           []string `json:"args,omitempty" mapstructure:"args,omitempty"`
}

// Empty reports whether the message carries neither an id nor a default
// message.
func (m LocalizableMessage) Empty() bool {
	return m.ID == "" && m.DefaultMessage == ""
}

// ProviderError is the structured error value an ApiProvider returns. Name
// is the discriminator identifying the error kind; it doubles as the key
// into the declared error-to-status table.
type ProviderError struct {
	Name     string               `json:"type"`
	Messages []LocalizableMessage `json:"messages"`
	Data     Record               `json:"data,omitempty"`
}

func (e *ProviderError) Error() string {
	if len(e.Messages) > 0 && e.Messages[0].DefaultMessage != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Messages[0].DefaultMessage)
	}
	return e.Name
}

// Body returns the wire form of the error, identical across response
// codecs: a "type" discriminator, the message list, and optional data.
func (e *ProviderError) Body() Record {
	messages := make([]any, len(e.Messages))
	for i, m := range e.Messages {
		msg := Record{
			"id":              m.ID,
			"default_message": m.DefaultMessage,
		}
		if len(m.Args) > 0 {
			msg["args"] = m.Args
		}
		messages[i] = msg
	}
	body := Record{
		"type":     e.Name,
		"messages": messages,
	}
	if e.Data != nil {
		body["data"] = e.Data
	}
	return body
}

// InternalServerErrorName is the discriminator used for errors the runtime
// itself synthesizes, such as task result conversion failures.
const InternalServerErrorName = "com.vmware.vapi.std.errors.internal_server_error"

func newInternalServerError(msgs ...LocalizableMessage) *ProviderError {
	return &ProviderError{Name: InternalServerErrorName, Messages: msgs}
}

// standardErrorStatus maps well-known provider error discriminators to HTTP
// statuses. Consulted only when the metamodel declares no explicit status
// for the error structure; everything else falls through to 500.
var standardErrorStatus = map[string]int{
	"com.vmware.vapi.std.errors.already_exists":                http.StatusBadRequest,
	"com.vmware.vapi.std.errors.already_in_desired_state":      http.StatusBadRequest,
	"com.vmware.vapi.std.errors.feature_in_use":                http.StatusBadRequest,
	"com.vmware.vapi.std.errors.internal_server_error":         http.StatusInternalServerError,
	"com.vmware.vapi.std.errors.invalid_argument":              http.StatusBadRequest,
	"com.vmware.vapi.std.errors.invalid_element_configuration": http.StatusBadRequest,
	"com.vmware.vapi.std.errors.invalid_element_type":          http.StatusBadRequest,
	"com.vmware.vapi.std.errors.invalid_request":               http.StatusBadRequest,
	"com.vmware.vapi.std.errors.not_allowed_in_current_state":  http.StatusBadRequest,
	"com.vmware.vapi.std.errors.not_found":                     http.StatusNotFound,
	"com.vmware.vapi.std.errors.operation_not_found":           http.StatusNotFound,
	"com.vmware.vapi.std.errors.resource_busy":                 http.StatusBadRequest,
	"com.vmware.vapi.std.errors.resource_in_use":               http.StatusBadRequest,
	"com.vmware.vapi.std.errors.resource_inaccessible":         http.StatusBadRequest,
	"com.vmware.vapi.std.errors.service_unavailable":           http.StatusServiceUnavailable,
	"com.vmware.vapi.std.errors.timed_out":                     http.StatusGatewayTimeout,
	"com.vmware.vapi.std.errors.unable_to_allocate_resource":   http.StatusBadRequest,
	"com.vmware.vapi.std.errors.unauthenticated":               http.StatusUnauthorized,
	"com.vmware.vapi.std.errors.unauthorized":                  http.StatusForbidden,
	"com.vmware.vapi.std.errors.unexpected_input":              http.StatusBadRequest,
	"com.vmware.vapi.std.errors.unsupported":                   http.StatusBadRequest,
	"com.vmware.vapi.std.errors.unverified_peer":               http.StatusBadRequest,
}
