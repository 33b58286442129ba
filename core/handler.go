package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

//  ######################################################
//              PROVIDER CONTRACT
//  ######################################################

// MethodResult is what a provider returns from one invocation: an output
// value on success or a structured error on failure, never both.
type MethodResult struct {
	Output any
	Error  *ProviderError
}

// Success reports whether the invocation produced an output.
func (r MethodResult) Success() bool {
	return r.Error == nil
}

// ApiProvider invokes an operation on behalf of the REST layer. The input
// has already been validated against the operation's declared parameters.
type ApiProvider interface {
	Invoke(ctx context.Context, serviceID, operationID string, input Params, ec *ExecutionContext) MethodResult
}

//  ######################################################
//              RESPONSE MODEL
//  ######################################################

// Response is the fully serialized outcome of one REST invocation, ready to
// be written to the wire.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Cookies     map[string]string
	Headers     map[string]string
}

// ResponseCookieBuilder issues the session cookie when a designated session
// login method succeeds.
type ResponseCookieBuilder struct {
	sessionMethods map[string]bool
}

// NewResponseCookieBuilder registers the "service.operation" names whose
// string output becomes the session cookie value.
func NewResponseCookieBuilder(sessionMethods ...string) *ResponseCookieBuilder {
	methods := make(map[string]bool, len(sessionMethods))
	for _, m := range sessionMethods {
		methods[m] = true
	}
	return &ResponseCookieBuilder{sessionMethods: methods}
}

// Build returns the cookies to set for the invocation, or nil.
func (b *ResponseCookieBuilder) Build(serviceID, operationID string, result MethodResult) map[string]string {
	if !b.sessionMethods[serviceID+"."+operationID] {
		return nil
	}
	sessionID, ok := result.Output.(string)
	if !ok {
		return nil
	}
	return map[string]string{SessionCookieKey: sessionID}
}

//  ######################################################
//              REST HANDLER
//  ######################################################

// RESTHandler accepts matched REST requests and drives them through
// operation resolution, input assembly, provider invocation and response
// serialization.
type RESTHandler struct {
	provider ApiProvider
	metadata *MetadataStore
	security *SecurityContextBuilder
	cookies  *ResponseCookieBuilder // nil disables response cookies
	logger   *zap.Logger
	newID    func() string
}

// NewRESTHandler wires a handler. cookies may be nil to disable cookie
// support entirely; newID generates request ids for clients that sent none.
func NewRESTHandler(provider ApiProvider, metadata *MetadataStore, security *SecurityContextBuilder, cookies *ResponseCookieBuilder, logger *zap.Logger, newID func() string) *RESTHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTHandler{
		provider: provider,
		metadata: metadata,
		security: security,
		cookies:  cookies,
		logger:   logger,
		newID:    newID,
	}
}

// Invoke handles one request already matched to a route. pathParams holds
// the URL template variables extracted by the router.
func (h *RESTHandler) Invoke(r *http.Request, route *Route, pathParams map[string]string) *Response {
	resp, err := h.invoke(r, route, pathParams)
	if err != nil {
		return h.errorResponse(r, err)
	}
	return resp
}

func (h *RESTHandler) invoke(r *http.Request, route *Route, pathParams map[string]string) (*Response, error) {
	query := r.URL.Query()
	operationID, mappingType, err := h.findMatchingOperation(r, query, pathParams, route)
	if err != nil {
		return nil, err
	}

	// vmw-task switches to the task-creating variant of the operation.
	if isTask := query.Get(TaskQueryParam); isTask != "" {
		if !strings.EqualFold(isTask, "true") {
			return nil, badRequestf("invalid value for %q query param", TaskQueryParam)
		}
		operationID = TaskOperationName(operationID)
	}
	op := h.metadata.Operation(route.ServiceID, operationID)
	if op == nil {
		return nil, notFoundf(
			"no matching method available for the requested URL and HTTP method")
	}

	input, err := h.assembleInput(r, query, pathParams, op, mappingType)
	if err != nil {
		return nil, err
	}

	ec := &ExecutionContext{
		Application: BuildApplicationContext(r, h.newID),
	}
	if h.security != nil {
		ec.Security = h.security.Build(r)
	}
	ctx := WithExecutionContext(r.Context(), ec)

	inputValue, err := h.metadata.BuildOperationInput(
		route.ServiceID, operationID, input, mappingType)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("invoking operation",
		zap.String("service", route.ServiceID),
		zap.String("operation", operationID))
	result := h.provider.Invoke(ctx, route.ServiceID, operationID, inputValue, ec)

	_, headerAuthn := r.Header[http.CanonicalHeaderKey(RequireHeaderAuthn)]
	return h.serializeOutput(r, route.ServiceID, operationID, result, !headerAuthn, mappingType)
}

// findMatchingOperation picks the operation a request addresses among the
// route's dispatch candidates. A route with a single non-predicate
// candidate resolves directly; otherwise every candidate is scored and the
// best-scoring match wins, first registered winning ties.
func (h *RESTHandler) findMatchingOperation(r *http.Request, query url.Values, pathParams map[string]string, route *Route) (string, AnnotationType, error) {
	candidates := route.Dispatch
	if len(candidates) == 1 && candidates[0].MappingType != AnnotationVerb {
		return candidates[0].OperationID, candidates[0].MappingType, nil
	}

	hasPathID := len(pathParams) > 0
	var (
		operationID string
		mappingType AnnotationType
		bestArity   int
		found       bool
	)
	for _, d := range candidates {
		opID, arity, matched := d.Match(r.Method, query, r.Header, hasPathID)
		if !matched {
			continue
		}
		if !found || arity > bestArity {
			operationID = opID
			mappingType = d.MappingType
			bestArity = arity
			found = true
		}
	}
	if !found {
		if action := query.Get(ActionParam); action != "" {
			return "", 0, notFoundf(
				"no matching method available for the requested action %q on the URL", action)
		}
		return "", 0, notFoundf(
			"no matching method available for the requested URL and HTTP method")
	}
	return operationID, mappingType, nil
}

// assembleInput gathers operation arguments from their definitive sources:
// URL path variables, then (for verb operations) declared query and header
// aliases, then the query string for plain GETs, then the request body.
// Later sources win on conflict, so the body takes precedence overall.
func (h *RESTHandler) assembleInput(r *http.Request, query url.Values, pathParams map[string]string, op *OperationSummary, mappingType AnnotationType) (Params, error) {
	input := Params{}
	for alias, value := range pathParams {
		name := alias
		if canonical, ok := op.PathVariables[alias]; ok {
			name = canonical
		}
		input[name] = value
	}

	if mappingType == AnnotationVerb {
		queryParams, err := h.mapQueryParams(query, op)
		if err != nil {
			return nil, err
		}
		input = MergeInput(input, queryParams)
		headerParams, err := h.mapHeaderParams(r.Header, op)
		if err != nil {
			return nil, err
		}
		input = MergeInput(input, headerParams)
	}

	if r.Method == http.MethodGet && mappingType != AnnotationVerb {
		queryInput, err := DeserializeQuery(r.URL.RawQuery, false)
		if err != nil {
			return nil, err
		}
		delete(queryInput, TaskQueryParam)
		input = MergeInput(input, queryInput)
	}

	switch r.Method {
	case http.MethodPut, http.MethodPatch, http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, badRequestf("cannot read request body: %v", err)
		}
		if len(body) > 0 {
			bodyInput, err := DecodeJSONBody(bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			input = MergeInput(input, bodyInput)
		}
	}
	return input, nil
}

// mapQueryParams resolves the operation's declared query aliases against
// the request's query string, placing each value at its dotted canonical
// name. Repeated keys and list-typed parameters produce list values.
func (h *RESTHandler) mapQueryParams(query url.Values, op *OperationSummary) (Params, error) {
	out := Params{}
	for alias, dotted := range op.QueryVariables {
		values, ok := query[alias]
		if !ok || len(values) == 0 {
			continue
		}
		var value any
		if len(values) > 1 || h.isListParam(op, dotted) {
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			value = list
		} else {
			value = values[0]
		}
		if err := assignTokens(out, strings.Split(dotted, "."), value); err != nil {
			return nil, err
		}
	}
	resolveQuerySlices(out)
	return out, nil
}

func (h *RESTHandler) mapHeaderParams(headers http.Header, op *OperationSummary) (Params, error) {
	out := Params{}
	for headerName, dotted := range op.HeaderVariables {
		value := headers.Get(headerName)
		if value == "" {
			continue
		}
		if err := assignTokens(out, strings.Split(dotted, "."), value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// isListParam reports whether the dotted parameter path resolves to a list
// or set type, unwrapping optionals along the way.
func (h *RESTHandler) isListParam(op *OperationSummary, dotted string) bool {
	segments := strings.Split(dotted, ".")
	param, ok := op.Params[segments[0]]
	if !ok {
		return false
	}
	t := param.Type
	for _, segment := range segments[1:] {
		t = unwrapOptional(t)
		id := structResourceID(t)
		if id == "" {
			return false
		}
		field, ok := h.metadata.StructureMap[id][segment]
		if !ok {
			return false
		}
		t = field.Type
	}
	t = unwrapOptional(t)
	return t != nil && t.Category == CategoryGeneric &&
		(t.Generic.Kind == GenericList || t.Generic.Kind == GenericSet)
}

func unwrapOptional(t *TypeInfo) *TypeInfo {
	if t != nil && t.Category == CategoryGeneric && t.Generic.Kind == GenericOptional {
		return t.Generic.ElementType
	}
	return t
}

//  ######################################################
//              OUTPUT SERIALIZATION
//  ######################################################

func (h *RESTHandler) serializeOutput(r *http.Request, serviceID, operationID string, result MethodResult, useCookies bool, mappingType AnnotationType) (*Response, error) {
	op := h.metadata.Operation(serviceID, operationID)
	if op == nil {
		return nil, internalf(
			"no metadata for operation %s.%s", serviceID, operationID)
	}

	resp := &Response{}
	var body any
	if result.Success() {
		if h.cookies != nil && useCookies {
			resp.Cookies = h.cookies.Build(serviceID, operationID, result)
		}
		if result.Output != nil {
			if record, ok := result.Output.(Record); ok {
				body = record
			} else {
				// Scalar outputs are boxed so the response body is
				// always a JSON object.
				body = Record{"value": result.Output}
			}
		}
		resp.Status = op.SuccessResponseCode
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		if r.Method == http.MethodDelete {
			resp.Status = http.StatusNoContent
		}
	} else {
		providerErr := result.Error
		if status, ok := h.metadata.ErrorResponseCodeMap[providerErr.Name]; ok {
			resp.Status = status
		} else if status, ok := standardErrorStatus[providerErr.Name]; ok {
			resp.Status = status
		} else {
			resp.Status = http.StatusInternalServerError
		}
		h.logger.Debug("operation reported error",
			zap.String("service", serviceID),
			zap.String("operation", operationID),
			zap.String("error", providerErr.Name))
		body = providerErr.Body()
	}

	if record, ok := body.(Record); ok {
		if len(op.ResponseHeaders) > 0 {
			resp.Headers = map[string]string{}
			for field, headerName := range op.ResponseHeaders {
				if value, ok := record[field]; ok {
					resp.Headers[headerName] = fmt.Sprint(value)
				}
			}
		}
		if op.ResponseBodyName != "" {
			// A @Body field is the entire response, nothing else.
			body = record[op.ResponseBodyName]
		} else if len(resp.Headers) > 0 {
			trimmed := make(Record, len(record))
			for field, value := range record {
				if _, extracted := op.ResponseHeaders[field]; !extracted {
					trimmed[field] = value
				}
			}
			body = trimmed
		}
	}

	if body != nil {
		encoded, contentType, err := EncodeBody(r.Header.Get(AcceptHeader), body)
		if err != nil {
			return nil, err
		}
		resp.Body = encoded
		resp.ContentType = contentType
	}
	return resp, nil
}

// errorResponse converts a routing, request-shape or consistency failure
// into a serialized error payload mirroring provider error reporting.
func (h *RESTHandler) errorResponse(r *http.Request, err error) *Response {
	status := HTTPStatus(err)
	name := InternalServerErrorName
	switch status {
	case http.StatusBadRequest:
		name = "com.vmware.vapi.std.errors.invalid_request"
	case http.StatusNotFound:
		name = "com.vmware.vapi.std.errors.not_found"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.Error(err))
	}
	providerErr := &ProviderError{
		Name: name,
		Messages: []LocalizableMessage{{
			ID:             "vapi.rest.request",
			DefaultMessage: err.Error(),
		}},
	}
	body, contentType, encodeErr := EncodeBody(r.Header.Get(AcceptHeader), providerErr.Body())
	if encodeErr != nil {
		return &Response{Status: http.StatusInternalServerError}
	}
	return &Response{
		Status:      status,
		Body:        body,
		ContentType: contentType,
	}
}
