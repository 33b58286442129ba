package core

// Query parameter and header names understood by the REST dispatch layer.
const (
	// ActionParam is the fixed query parameter that selects a non-CRUD
	// operation when several operations share one literal URL.
	ActionParam = "~action"

	// TaskQueryParam requests the asynchronous (task-creating) variant of
	// an operation. Only the value "true" is accepted.
	TaskQueryParam = "vmw-task"

	// TaskOperationSuffix is appended to an operation id to name its
	// task-creating variant.
	TaskOperationSuffix = "$task"

	RequestIDHeader      = "X-Request-ID"
	AcceptLanguageHeader = "Accept-Language"
	SessionCookieKey     = "session-id"

	// RequireHeaderAuthn, when present as a request header, suppresses
	// response cookies so clients can opt into header-only authentication.
	RequireHeaderAuthn = "X-Require-Header-Authn"

	ContentTypeHeader  = "Content-Type"
	AcceptHeader       = "Accept"
	JSONContentType    = "application/json"
	MsgpackContentType = "application/x-msgpack"
)

// Annotation element keys as they appear in metamodel metadata. The names
// follow the service definition language, not Go conventions.
const (
	RequestMappingAnnotation = "RequestMapping"
	PathVariableAnnotation   = "PathVariable"
	QueryAnnotation          = "Query"
	HeaderAnnotation         = "Header"
	BodyAnnotation           = "Body"
	ResponseAnnotation       = "Response"

	MethodElement  = "method"
	ValueElement   = "value"
	PathElement    = "path"
	ParamsElement  = "params"
	HeadersElement = "headers"
	NameElement    = "name"
	CodeElement    = "code"

	// ActionElement is the key naming the action discriminator inside a
	// RequestMapping value or params element.
	ActionElement = "action"
)

// httpMethodOperation maps an HTTP method to the default operation id
// resolved when a route carries no dispatch annotations. GET maps to list;
// the dispatcher substitutes get when the URL carried an identifier.
var httpMethodOperation = map[string]string{
	"GET":    "list",
	"PATCH":  "update",
	"DELETE": "delete",
	"POST":   "create",
	"PUT":    "set",
	"HEAD":   "get",
}

// TaskOperationName returns the task-creating variant of an operation id.
func TaskOperationName(operationID string) string {
	return operationID + TaskOperationSuffix
}

// NonTaskOperationName strips the task suffix, if any, from an operation id.
func NonTaskOperationName(operationID string) string {
	if n := len(operationID) - len(TaskOperationSuffix); n > 0 &&
		operationID[n:] == TaskOperationSuffix {
		return operationID[:n]
	}
	return operationID
}
