// Package openapi_schema derives gateway metamodel metadata from an
// OpenAPI v3 document, so providers described by an ordinary API spec can
// be served without hand-written metadata.
package openapi_schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/restgate-io/go-rest-gateway/core"
)

// Extension keys understood on top of plain OpenAPI.
const (
	// extReleasedIn marks the platform version an operation first shipped in.
	extReleasedIn = "x-released-in"
	// extErrorSchema marks a schema as an error structure.
	extErrorSchema = "x-error"
	// extDispatchParams and extDispatchHeaders carry raw dispatch
	// predicates ("name=value" / "Name: value") for operations sharing a
	// path.
	extDispatchParams  = "x-dispatch-params"
	extDispatchHeaders = "x-dispatch-headers"
)

// Provider translates a parsed OpenAPI document into the metamodel the
// gateway consumes. Tags name services; operation ids name operations.
type Provider struct {
	doc       *openapi3.T
	component string
}

// NewProvider wraps an already parsed document. The component name groups
// everything the document declares.
func NewProvider(doc *openapi3.T, component string) *Provider {
	return &Provider{doc: doc, component: component}
}

// LoadFile parses an OpenAPI document from disk.
func LoadFile(path, component string) (*Provider, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI document: %w", err)
	}
	return NewProvider(doc, component), nil
}

// LoadData parses an OpenAPI document from memory.
func LoadData(data []byte, component string) (*Provider, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("parse OpenAPI document: %w", err)
	}
	return NewProvider(doc, component), nil
}

// Components implements core.MetadataProvider.
func (p *Provider) Components() ([]*core.ComponentInfo, error) {
	pkg := &core.PackageInfo{
		Name:         p.component,
		Services:     map[string]*core.ServiceInfo{},
		Structures:   map[string]*core.StructureInfo{},
		Enumerations: map[string]*core.EnumerationInfo{},
	}
	if p.doc.Components != nil {
		for _, name := range sortedSchemaNames(p.doc.Components.Schemas) {
			ref := p.doc.Components.Schemas[name]
			if ref == nil || ref.Value == nil {
				continue
			}
			if len(ref.Value.Enum) > 0 {
				pkg.Enumerations[name] = enumeration(name, ref.Value)
				continue
			}
			pkg.Structures[name] = p.structure(name, ref.Value)
		}
	}
	if err := p.collectServices(pkg); err != nil {
		return nil, err
	}
	return []*core.ComponentInfo{{
		Name:     p.component,
		Packages: map[string]*core.PackageInfo{p.component: pkg},
	}}, nil
}

func (p *Provider) collectServices(pkg *core.PackageInfo) error {
	paths := p.doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for key := range paths {
		pathKeys = append(pathKeys, key)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		item := paths[path]
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				return fmt.Errorf("operation %s %s has no operationId", method, path)
			}
			serviceID := p.serviceID(op)
			service, ok := pkg.Services[serviceID]
			if !ok {
				service = &core.ServiceInfo{
					Name:         serviceID,
					Structures:   map[string]*core.StructureInfo{},
					Enumerations: map[string]*core.EnumerationInfo{},
				}
				pkg.Services[serviceID] = service
			}
			info, err := p.operation(method, path, op)
			if err != nil {
				return fmt.Errorf("operation %s: %w", op.OperationID, err)
			}
			service.Operations = append(service.Operations, info)
		}
	}

	// Operations() iterates methods in a fixed order but the declaration
	// order across paths matters for route tie-breaks; sort by name for a
	// stable outcome.
	for _, service := range pkg.Services {
		sort.Slice(service.Operations, func(i, j int) bool {
			return service.Operations[i].Name < service.Operations[j].Name
		})
	}
	return nil
}

// serviceID resolves the service an operation belongs to: its first tag,
// or a single default service named after the component.
func (p *Provider) serviceID(op *openapi3.Operation) string {
	if len(op.Tags) > 0 {
		return op.Tags[0]
	}
	return p.component
}

func (p *Provider) operation(method, path string, op *openapi3.Operation) (core.OperationInfo, error) {
	info := core.OperationInfo{
		Name:     op.OperationID,
		Metadata: map[string]*core.ElementMap{},
	}
	if v, ok := op.Extensions[extReleasedIn].(string); ok {
		info.ReleasedIn = v
	}

	verb := &core.ElementMap{Elements: map[string]core.ElementValue{
		core.PathElement: {StringValue: path},
	}}
	if preds := stringList(op.Extensions[extDispatchParams]); len(preds) > 0 {
		verb.Elements[core.ParamsElement] = core.ElementValue{ListValue: preds}
	}
	if preds := stringList(op.Extensions[extDispatchHeaders]); len(preds) > 0 {
		verb.Elements[core.HeadersElement] = core.ElementValue{ListValue: preds}
	}
	info.Metadata[method] = verb

	for _, ref := range op.Parameters {
		param := ref.Value
		if param == nil {
			continue
		}
		field := core.FieldInfo{
			Name:     paramName(param.Name),
			Type:     p.typeInfo(param.Schema),
			Metadata: map[string]*core.ElementMap{},
		}
		switch param.In {
		case openapi3.ParameterInPath:
			// Path parameters are identifiers by definition.
			field.Type = &core.TypeInfo{Category: core.CategoryBuiltin, Builtin: core.BuiltinID}
		case openapi3.ParameterInQuery:
			field.Metadata[core.QueryAnnotation] = &core.ElementMap{
				Elements: map[string]core.ElementValue{
					core.NameElement: {StringValue: param.Name},
				},
			}
		case openapi3.ParameterInHeader:
			field.Metadata[core.HeaderAnnotation] = &core.ElementMap{
				Elements: map[string]core.ElementValue{
					core.NameElement: {StringValue: param.Name},
				},
			}
		default:
			continue
		}
		if !param.Required {
			field.Type = optional(field.Type)
		}
		info.Params = append(info.Params, field)
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if media := op.RequestBody.Value.Content.Get(core.JSONContentType); media != nil && media.Schema != nil {
			if err := p.bodyParams(&info, media.Schema); err != nil {
				return info, err
			}
		}
	}

	info.Output = p.successOutput(op)
	info.Errors = p.declaredErrors(op)
	return info, nil
}

// bodyParams flattens the request body schema into operation parameters:
// a referenced schema becomes a single parameter named after it, an inline
// object contributes one parameter per property.
func (p *Provider) bodyParams(info *core.OperationInfo, ref *openapi3.SchemaRef) error {
	if ref.Ref != "" {
		name := refName(ref.Ref)
		info.Params = append(info.Params, core.FieldInfo{
			Name: strings.ToLower(name),
			Type: &core.TypeInfo{
				Category: core.CategoryUserDefined,
				UserDefined: &core.UserDefinedType{
					ResourceType: core.StructureResource,
					ResourceID:   name,
				},
			},
		})
		return nil
	}
	schema := ref.Value
	if schema == nil || schema.Type == nil || !schema.Type.Is(openapi3.TypeObject) {
		return fmt.Errorf("request body must be an object or a schema reference")
	}
	for _, name := range sortedSchemaNames(schema.Properties) {
		field := core.FieldInfo{
			Name: name,
			Type: p.typeInfo(schema.Properties[name]),
		}
		if !contains(schema.Required, name) {
			field.Type = optional(field.Type)
		}
		info.Params = append(info.Params, field)
	}
	return nil
}

func (p *Provider) successOutput(op *openapi3.Operation) *core.TypeInfo {
	if op.Responses == nil {
		return nil
	}
	// The lowest declared 2xx code is the canonical success response.
	responses := op.Responses.Map()
	codes := make([]string, 0, len(responses))
	for code := range responses {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		ref := responses[code]
		status, err := strconv.Atoi(code)
		if err != nil || status < 200 || status >= 300 || ref.Value == nil {
			continue
		}
		media := ref.Value.Content.Get(core.JSONContentType)
		if media == nil || media.Schema == nil {
			continue
		}
		return p.typeInfo(media.Schema)
	}
	return nil
}

func (p *Provider) declaredErrors(op *openapi3.Operation) []string {
	if op.Responses == nil {
		return nil
	}
	var errors []string
	for code, ref := range op.Responses.Map() {
		status, err := strconv.Atoi(code)
		if err != nil || status < 400 || ref.Value == nil {
			continue
		}
		media := ref.Value.Content.Get(core.JSONContentType)
		if media == nil || media.Schema == nil || media.Schema.Ref == "" {
			continue
		}
		errors = append(errors, refName(media.Schema.Ref))
	}
	sort.Strings(errors)
	return errors
}

func (p *Provider) structure(name string, schema *openapi3.Schema) *core.StructureInfo {
	info := &core.StructureInfo{
		Name:     name,
		Metadata: map[string]*core.ElementMap{},
	}
	if flag, ok := schema.Extensions[extErrorSchema].(bool); ok && flag {
		info.Kind = core.KindError
	}
	if codes := errorResponseCode(schema); len(codes) > 0 {
		info.Metadata[core.ResponseAnnotation] = &core.ElementMap{
			Elements: map[string]core.ElementValue{
				core.CodeElement: {StringValue: codes[0]},
			},
		}
	}
	for _, propName := range sortedSchemaNames(schema.Properties) {
		field := core.FieldInfo{
			Name: propName,
			Type: p.typeInfo(schema.Properties[propName]),
		}
		if !contains(schema.Required, propName) {
			field.Type = optional(field.Type)
		}
		info.Fields = append(info.Fields, field)
	}
	return info
}

// errorResponseCode reads the declared HTTP status off an error schema.
func errorResponseCode(schema *openapi3.Schema) []string {
	code, ok := schema.Extensions["x-response-code"]
	if !ok {
		return nil
	}
	switch v := code.(type) {
	case string:
		return []string{v}
	case float64:
		return []string{strconv.Itoa(int(v))}
	}
	return nil
}

func enumeration(name string, schema *openapi3.Schema) *core.EnumerationInfo {
	values := make([]string, 0, len(schema.Enum))
	for _, v := range schema.Enum {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return &core.EnumerationInfo{Name: name, Values: values}
}

// typeInfo maps an OpenAPI schema onto a metamodel type.
func (p *Provider) typeInfo(ref *openapi3.SchemaRef) *core.TypeInfo {
	if ref == nil {
		return &core.TypeInfo{Category: core.CategoryBuiltin, Builtin: core.BuiltinDynamicStructure}
	}
	if ref.Ref != "" {
		name := refName(ref.Ref)
		resourceType := core.StructureResource
		if ref.Value != nil && len(ref.Value.Enum) > 0 {
			resourceType = core.EnumerationResource
		}
		return &core.TypeInfo{
			Category: core.CategoryUserDefined,
			UserDefined: &core.UserDefinedType{
				ResourceType: resourceType,
				ResourceID:   name,
			},
		}
	}
	schema := ref.Value
	if schema == nil || schema.Type == nil {
		return &core.TypeInfo{Category: core.CategoryBuiltin, Builtin: core.BuiltinDynamicStructure}
	}
	switch {
	case schema.Type.Is(openapi3.TypeBoolean):
		return builtin(core.BuiltinBoolean)
	case schema.Type.Is(openapi3.TypeInteger):
		return builtin(core.BuiltinLong)
	case schema.Type.Is(openapi3.TypeNumber):
		return builtin(core.BuiltinDouble)
	case schema.Type.Is(openapi3.TypeString):
		switch schema.Format {
		case "binary", "byte":
			return builtin(core.BuiltinBinary)
		case "date-time":
			return builtin(core.BuiltinDateTime)
		case "password":
			return builtin(core.BuiltinSecret)
		case "uri":
			return builtin(core.BuiltinURI)
		}
		return builtin(core.BuiltinString)
	case schema.Type.Is(openapi3.TypeArray):
		return &core.TypeInfo{
			Category: core.CategoryGeneric,
			Generic: &core.GenericInstantiation{
				Kind:        core.GenericList,
				ElementType: p.typeInfo(schema.Items),
			},
		}
	case schema.Type.Is(openapi3.TypeObject):
		if schema.AdditionalProperties.Schema != nil {
			return &core.TypeInfo{
				Category: core.CategoryGeneric,
				Generic: &core.GenericInstantiation{
					Kind:         core.GenericMap,
					MapKeyType:   builtin(core.BuiltinString),
					MapValueType: p.typeInfo(schema.AdditionalProperties.Schema),
				},
			}
		}
		return builtin(core.BuiltinDynamicStructure)
	}
	return builtin(core.BuiltinOpaque)
}

func builtin(t core.BuiltinType) *core.TypeInfo {
	return &core.TypeInfo{Category: core.CategoryBuiltin, Builtin: t}
}

func optional(t *core.TypeInfo) *core.TypeInfo {
	return &core.TypeInfo{
		Category: core.CategoryGeneric,
		Generic:  &core.GenericInstantiation{Kind: core.GenericOptional, ElementType: t},
	}
}

func refName(ref string) string {
	if pos := strings.LastIndex(ref, "/"); pos >= 0 {
		return ref[pos+1:]
	}
	return ref
}

func paramName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func sortedSchemaNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
