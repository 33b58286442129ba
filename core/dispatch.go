package core

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// AnnotationType identifies which mapping annotation produced a route.
type AnnotationType int

const (
	// AnnotationNone marks routes derived from CRUD naming conventions.
	AnnotationNone AnnotationType = iota
	// AnnotationRequest marks routes derived from a RequestMapping annotation.
	AnnotationRequest
	// AnnotationVerb marks routes derived from a Verb annotation.
	AnnotationVerb
)

func (t AnnotationType) String() string {
	switch t {
	case AnnotationRequest:
		return "request"
	case AnnotationVerb:
		return "verb"
	default:
		return "none"
	}
}

// Arity contributions for verb-annotated dispatch. A route shared by several
// operations is disambiguated by scoring each candidate against the request;
// the highest score wins, with the first registered candidate winning ties.
const (
	arityParamPresent  = 3
	arityParamValue    = 4
	arityParamAbsent   = -1
	arityHeaderPresent = 1
	arityHeaderValue   = 2
	arityHeaderAbsent  = -1
)

// DispatchInfo describes one operation reachable through a route and how to
// recognize a request addressed to it.
type DispatchInfo struct {
	MappingType AnnotationType
	OperationID string
	// Params holds raw "name" or "name=value" query predicates from the
	// Verb annotation's params element.
	Params []string
	// Headers holds raw "Name" or "Name: value" predicates from the Verb
	// annotation's headers element.
	Headers []string
	// ActionValue is the ~action discriminator for RequestMapping routes.
	ActionValue string
}

// Match reports whether this candidate handles the request, along with the
// arity accumulated while checking. The arity is meaningful even when the
// match fails partway: handler code uses it only to rank successful matches.
func (d *DispatchInfo) Match(method string, query url.Values, headers http.Header, hasPathID bool) (string, int, bool) {
	var matched bool
	var arity int
	switch d.MappingType {
	case AnnotationVerb:
		matched, arity = d.verbMatch(query, headers)
	case AnnotationRequest:
		matched, arity = d.requestMatch(method, query, hasPathID)
	default:
		matched, arity = d.defaultMatch(method, query, hasPathID)
	}
	if !matched {
		return "", arity, false
	}
	return d.OperationID, arity, true
}

// defaultMatch maps the HTTP method onto a CRUD operation name: GET turns
// into get rather than list when the URL carried an identifier, and an
// ~action query parameter overrides the method-derived name outright.
func (d *DispatchInfo) defaultMatch(method string, query url.Values, hasPathID bool) (bool, int) {
	operationID := httpMethodOperation[method]
	if hasPathID && operationID == "list" {
		operationID = "get"
	}
	if action := query.Get(ActionParam); action != "" {
		operationID = strings.ReplaceAll(action, "-", "_")
	}
	return operationID == d.OperationID, 1
}

// requestMatch dispatches on the ~action discriminator when present and
// falls back to CRUD naming when it is not.
func (d *DispatchInfo) requestMatch(method string, query url.Values, hasPathID bool) (bool, int) {
	if action := query.Get(ActionParam); action != "" {
		return action == d.ActionValue, 1
	}
	return d.defaultMatch(method, query, hasPathID)
}

func (d *DispatchInfo) verbMatch(query url.Values, headers http.Header) (bool, int) {
	arity := 0
	for _, predicate := range d.Params {
		name, want, hasValue := splitPredicate(predicate, "=")
		match := false
		if query.Has(name) {
			arity += arityParamPresent
			match = true
		} else {
			arity += arityParamAbsent
		}
		if hasValue {
			if query.Get(name) == want {
				arity += arityParamValue
			} else if match && want != "" {
				return false, arity
			}
		}
	}
	for _, predicate := range d.Headers {
		name, want, hasValue := splitPredicate(predicate, ":")
		match := false
		if _, ok := headers[textproto.CanonicalMIMEHeaderKey(name)]; ok {
			arity += arityHeaderPresent
			match = true
		} else {
			arity += arityHeaderAbsent
		}
		if hasValue {
			want = joinTrimmed(want)
			got := joinTrimmed(headers.Get(name))
			if got != "" && strings.Contains(got, want) {
				arity += arityHeaderValue
			} else if match && want != "" {
				return false, arity
			}
		}
	}
	return true, arity
}

func splitPredicate(predicate, sep string) (name, value string, hasValue bool) {
	pos := strings.Index(predicate, sep)
	if pos < 0 {
		return strings.TrimSpace(predicate), "", false
	}
	return strings.TrimSpace(predicate[:pos]), predicate[pos+len(sep):], true
}

// joinTrimmed normalizes a comma-separated header value so whitespace around
// list items does not defeat the comparison.
func joinTrimmed(s string) string {
	if s == "" {
		return ""
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}
