package core

import (
	"context"
	"net/http"
)

// Well-known authentication scheme identifiers and the keys used inside a
// SecurityContext.
const (
	UserPasswordScheme = "com.vmware.vapi.std.security.user_pass"
	SessionScheme      = "com.vmware.vapi.std.security.session_id"

	SchemeIDKey  = "schemeId"
	UserKey      = "userName"
	PasswordKey  = "password"
	SessionIDKey = "sessionId"
)

// SecurityContext carries the authentication information extracted from a
// request. Its shape depends on the scheme; SchemeIDKey is always present.
type SecurityContext = Params

// ApplicationContext carries per-request metadata (operation id, locale)
// that is propagated to the provider but never interpreted by the gateway.
type ApplicationContext = Params

// ExecutionContext bundles what an invocation needs to know about its
// caller.
type ExecutionContext struct {
	Application ApplicationContext
	Security    SecurityContext
}

// UserName returns the authenticated user name, or "" when the request
// carried no user/password credentials.
func (ec *ExecutionContext) UserName() string {
	if ec == nil || ec.Security == nil {
		return ""
	}
	name, _ := ec.Security[UserKey].(string)
	return name
}

type executionContextKey struct{}

// WithExecutionContext attaches ec to ctx for the duration of an invocation.
func WithExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, ec)
}

// ExecutionContextFrom retrieves the invocation's ExecutionContext, or nil.
func ExecutionContextFrom(ctx context.Context) *ExecutionContext {
	ec, _ := ctx.Value(executionContextKey{}).(*ExecutionContext)
	return ec
}

//  ######################################################
//              SECURITY PARSERS
//  ######################################################

// SecurityParser extracts a security context from a request. Parse returns
// nil when the request carries no credentials this parser understands.
type SecurityParser interface {
	Parse(r *http.Request) SecurityContext
}

// UserPasswordParser recognizes HTTP basic authentication.
type UserPasswordParser struct{}

func (UserPasswordParser) Parse(r *http.Request) SecurityContext {
	user, password, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	return SecurityContext{
		SchemeIDKey: UserPasswordScheme,
		UserKey:     user,
		PasswordKey: password,
	}
}

// SessionParser recognizes a session identifier passed as a cookie or as
// the session header.
type SessionParser struct{}

func (SessionParser) Parse(r *http.Request) SecurityContext {
	sessionID := r.Header.Get(SessionCookieKey)
	if sessionID == "" {
		if cookie, err := r.Cookie(SessionCookieKey); err == nil {
			sessionID = cookie.Value
		}
	}
	if sessionID == "" {
		return nil
	}
	return SecurityContext{
		SchemeIDKey:  SessionScheme,
		SessionIDKey: sessionID,
	}
}

// SecurityContextBuilder runs its parsers in order; the first one that
// produces a context wins, and any further credentials on the request are
// ignored.
type SecurityContextBuilder struct {
	parsers []SecurityParser
}

// NewSecurityContextBuilder builds a chain from the given parsers. With no
// parsers every request is treated as anonymous.
func NewSecurityContextBuilder(parsers ...SecurityParser) *SecurityContextBuilder {
	return &SecurityContextBuilder{parsers: parsers}
}

// Build returns the first security context parsed from the request, or nil
// for anonymous requests.
func (b *SecurityContextBuilder) Build(r *http.Request) SecurityContext {
	for _, parser := range b.parsers {
		if sc := parser.Parse(r); sc != nil {
			return sc
		}
	}
	return nil
}

// BuildApplicationContext collects the request metadata headers understood
// by providers. A request id is always present; one is generated when the
// client did not send any.
func BuildApplicationContext(r *http.Request, newID func() string) ApplicationContext {
	ac := ApplicationContext{}
	if opID := r.Header.Get(RequestIDHeader); opID != "" {
		ac["opId"] = opID
	} else if newID != nil {
		ac["opId"] = newID()
	}
	if locale := r.Header.Get(AcceptLanguageHeader); locale != "" {
		ac["$locale"] = locale
	}
	return ac
}
