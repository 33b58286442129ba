package core

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bndr/gotabulate"
)

//  ######################################################
//              ROUTE MODEL
//  ######################################################

// Route is one registered (service, URL template, HTTP method) binding.
// Several operations of a service can share a route; Dispatch lists them in
// registration order, which is also the tie-breaking order at request time.
type Route struct {
	ServiceID   string
	URLTemplate string // brace style: /rest/vcenter/vm/{vm}
	Method      string
	Dispatch    []*DispatchInfo
}

type routeKey struct {
	serviceID string
	url       string
	method    string
}

// RouteTable holds every generated route, in a deterministic order.
type RouteTable struct {
	Routes []*Route

	byKey map[routeKey]*Route
}

func (rt *RouteTable) add(serviceID, urlTemplate, method string, d *DispatchInfo) {
	key := routeKey{serviceID: serviceID, url: urlTemplate, method: method}
	if route, ok := rt.byKey[key]; ok {
		route.Dispatch = append(route.Dispatch, d)
		return
	}
	route := &Route{
		ServiceID:   serviceID,
		URLTemplate: urlTemplate,
		Method:      method,
		Dispatch:    []*DispatchInfo{d},
	}
	rt.byKey[key] = route
	rt.Routes = append(rt.Routes, route)
}

// PrettyTable renders the route table for operators, one row per route.
func (rt *RouteTable) PrettyTable() string {
	rows := make([][]any, 0, len(rt.Routes))
	for _, route := range rt.Routes {
		ops := make([]string, len(route.Dispatch))
		for i, d := range route.Dispatch {
			ops[i] = d.OperationID
		}
		rows = append(rows, []any{
			route.Method, route.URLTemplate, route.ServiceID, strings.Join(ops, ", "),
		})
	}
	if len(rows) == 0 {
		return "no routes"
	}
	t := gotabulate.Create(rows)
	t.SetHeaders([]string{"method", "url", "service", "operations"})
	t.SetAlign("left")
	t.SetWrapStrings(true)
	t.SetMaxCellSize(85)
	return t.Render("grid")
}

//  ######################################################
//              MAPPING RULES
//  ######################################################

// mappingRule decides whether it applies to an operation and, if so, yields
// the route binding for it.
type mappingRule interface {
	match(operationID string, op *OperationSummary) bool
	url(g *routeGenerator, serviceID, operationID string, op *OperationSummary) (string, string, *DispatchInfo, error)
}

var crudOperations = map[string]bool{
	"create": true,
	"get":    true,
	"list":   true,
	"update": true,
	"set":    true,
	"delete": true,
}

// requestMappingRule covers operations carrying a RequestMapping annotation.
// Only the value, method and action params elements are honored.
type requestMappingRule struct{}

func (requestMappingRule) match(_ string, op *OperationSummary) bool {
	return op.HasRequestMapping()
}

func (requestMappingRule) url(g *routeGenerator, _, operationID string, op *OperationSummary) (string, string, *DispatchInfo, error) {
	elements := op.RequestMapping
	method := elements.stringElement(MethodElement)
	if method == "" {
		return "", "", nil, internalf(
			"operation %q: RequestMapping has no method element", operationID)
	}
	value := elements.stringElement(ValueElement)
	if value == "" {
		return "", "", nil, internalf(
			"operation %q: RequestMapping has no value element", operationID)
	}
	customURL := g.prefix + strings.TrimPrefix(value, "/")

	var actionValue string
	if pos := strings.Index(customURL, "?"); pos >= 0 {
		param := customURL[pos+1:]
		customURL = customURL[:pos]
		if eq := strings.Index(param, "="); eq >= 0 {
			actionValue = param[eq+1:]
		}
	} else {
		for _, param := range elements.listElement(ParamsElement) {
			name, value, hasValue := splitPredicate(param, "=")
			if hasValue && name == ActionElement {
				actionValue = value
				break
			}
		}
	}
	d := &DispatchInfo{
		MappingType: AnnotationRequest,
		OperationID: NonTaskOperationName(operationID),
		ActionValue: actionValue,
	}
	return customURL, method, d, nil
}

// verbMappingRule covers operations carrying a Verb annotation (@GET, @POST
// and friends), including their params and headers dispatch predicates.
type verbMappingRule struct{}

func (verbMappingRule) match(_ string, op *OperationSummary) bool {
	return op.HasVerb()
}

func (verbMappingRule) url(g *routeGenerator, _, operationID string, op *OperationSummary) (string, string, *DispatchInfo, error) {
	path := op.VerbMetadata.stringElement(PathElement)
	if path == "" {
		return "", "", nil, internalf(
			"operation %q: verb annotation has no path element", operationID)
	}
	customURL := g.prefix + strings.TrimPrefix(path, "/")
	d := &DispatchInfo{
		MappingType: AnnotationVerb,
		OperationID: NonTaskOperationName(operationID),
		Params:      op.VerbMetadata.listElement(ParamsElement),
		Headers:     op.VerbMetadata.listElement(HeadersElement),
	}
	return customURL, op.Verb, d, nil
}

// crudRule covers one conventionally named operation. Operations that
// require an identifier fall back to POST on the collection URL when no ID
// parameter is declared.
type crudRule struct {
	operationID string
	method      string
	needsID     bool
}

func (r crudRule) match(operationID string, _ *OperationSummary) bool {
	return operationID == r.operationID
}

func (r crudRule) url(g *routeGenerator, serviceID, operationID string, op *OperationSummary) (string, string, *DispatchInfo, error) {
	serviceURL := g.serviceBaseURL(serviceID)
	d := &DispatchInfo{
		MappingType: AnnotationNone,
		OperationID: NonTaskOperationName(operationID),
	}
	if !r.needsID {
		return serviceURL, r.method, d, nil
	}
	if idSuffix := idURLSuffix(op); idSuffix != "" {
		return serviceURL + idSuffix, r.method, d, nil
	}
	return serviceURL, "POST", d, nil
}

// postActionRule covers every remaining operation: POST on the service URL
// (plus ID suffix when declared) with the operation selected by ~action.
type postActionRule struct{}

func (postActionRule) match(operationID string, _ *OperationSummary) bool {
	return !crudOperations[operationID]
}

func (postActionRule) url(g *routeGenerator, serviceID, operationID string, op *OperationSummary) (string, string, *DispatchInfo, error) {
	d := &DispatchInfo{
		MappingType: AnnotationNone,
		OperationID: NonTaskOperationName(operationID),
	}
	return g.serviceBaseURL(serviceID) + idURLSuffix(op), "POST", d, nil
}

// idURLSuffix returns the URL segment for the operation's first identifier
// parameter, or empty when the operation declares none.
func idURLSuffix(op *OperationSummary) string {
	for _, name := range op.ParamNames {
		t := op.Params[name].Type
		if t != nil && t.Category == CategoryBuiltin && t.Builtin == BuiltinID {
			return fmt.Sprintf("/{%s}", name)
		}
	}
	return ""
}

//  ######################################################
//              ROUTE GENERATION
//  ######################################################

type routeGenerator struct {
	store  *MetadataStore
	prefix string
	rules  []mappingRule
}

// GenerateRoutes derives the full route table from service metadata. Rules
// are tried in a fixed priority order and the first match wins; services are
// visited in sorted order and operations in declaration order, so the table
// comes out identical across restarts.
func GenerateRoutes(store *MetadataStore, prefix string) (*RouteTable, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	g := &routeGenerator{
		store:  store,
		prefix: prefix,
		rules: []mappingRule{
			requestMappingRule{},
			verbMappingRule{},
			crudRule{operationID: "list", method: "GET"},
			crudRule{operationID: "create", method: "POST"},
			crudRule{operationID: "delete", method: "DELETE", needsID: true},
			crudRule{operationID: "get", method: "GET", needsID: true},
			crudRule{operationID: "update", method: "PATCH", needsID: true},
			crudRule{operationID: "set", method: "PUT", needsID: true},
			postActionRule{},
		},
	}

	table := &RouteTable{byKey: map[routeKey]*Route{}}
	serviceIDs := make([]string, 0, len(store.ServiceMap))
	for serviceID := range store.ServiceMap {
		serviceIDs = append(serviceIDs, serviceID)
	}
	sort.Strings(serviceIDs)
	for _, serviceID := range serviceIDs {
		service := store.ServiceMap[serviceID]
		for _, operationID := range service.OperationIDs {
			op := service.Operations[operationID]
			urlTemplate, method, d, err := g.generateMappingRule(serviceID, operationID, op)
			if err != nil {
				return nil, err
			}
			table.add(serviceID, urlTemplate, method, d)
		}
	}
	return table, nil
}

func (g *routeGenerator) generateMappingRule(serviceID, operationID string, op *OperationSummary) (string, string, *DispatchInfo, error) {
	for _, rule := range g.rules {
		// The session service predates verb annotations; its login and
		// logout keep their legacy POST /session mapping.
		if serviceID == g.store.SessionService() {
			if _, isVerb := rule.(verbMappingRule); isVerb {
				continue
			}
		}
		if rule.match(operationID, op) {
			return rule.url(g, serviceID, operationID, op)
		}
	}
	return "", "", nil, internalf(
		"no mapping rule matched operation %s.%s", serviceID, operationID)
}

// serviceBaseURL turns a service identifier into its collection URL:
// underscores become dashes, dots become path separators.
func (g *routeGenerator) serviceBaseURL(serviceID string) string {
	suffix := strings.ToLower(strings.NewReplacer("_", "-", ".", "/").Replace(serviceID))
	return g.prefix + suffix
}
