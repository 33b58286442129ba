package core

import (
	"sort"
	"strconv"
	"strings"
)

//  ######################################################
//              METAMODEL TYPES
//  ######################################################

// TypeCategory discriminates the three shapes a metamodel type can take.
type TypeCategory int

const (
	CategoryBuiltin TypeCategory = iota
	CategoryUserDefined
	CategoryGeneric
)

// BuiltinType enumerates the scalar types of the metamodel.
type BuiltinType int

const (
	BuiltinVoid BuiltinType = iota
	BuiltinBoolean
	BuiltinLong
	BuiltinDouble
	BuiltinString
	BuiltinBinary
	BuiltinSecret
	BuiltinDateTime
	BuiltinID
	BuiltinURI
	BuiltinAnyError
	BuiltinDynamicStructure
	BuiltinOpaque
)

// GenericKind enumerates the generic instantiations of the metamodel.
type GenericKind int

const (
	GenericOptional GenericKind = iota
	GenericList
	GenericSet
	GenericMap
)

// Resource types for user-defined metamodel types.
const (
	StructureResource   = "com.vmware.vapi.structure"
	EnumerationResource = "com.vmware.vapi.enumeration"
)

// UserDefinedType references a structure or enumeration by id.
type UserDefinedType struct {
	ResourceType string
	ResourceID   string
}

// GenericInstantiation describes an optional/list/set/map instantiation.
type GenericInstantiation struct {
	Kind         GenericKind
	ElementType  *TypeInfo
	MapKeyType   *TypeInfo
	MapValueType *TypeInfo
}

// TypeInfo is one metamodel type. Exactly one of the three arms is
// meaningful, selected by Category.
type TypeInfo struct {
	Category    TypeCategory
	Builtin     BuiltinType
	UserDefined *UserDefinedType
	Generic     *GenericInstantiation
}

// ElementValue is one element inside an annotation: either a single string
// or a list of strings.
type ElementValue struct {
	StringValue string
	ListValue   []string
}

// ElementMap is the payload of one annotation on an operation, parameter or
// field.
type ElementMap struct {
	Elements map[string]ElementValue
}

func (m *ElementMap) stringElement(key string) string {
	if m == nil {
		return ""
	}
	return m.Elements[key].StringValue
}

func (m *ElementMap) listElement(key string) []string {
	if m == nil {
		return nil
	}
	return m.Elements[key].ListValue
}

// FieldInfo describes one structure field or operation parameter.
type FieldInfo struct {
	Name     string
	Type     *TypeInfo
	Metadata map[string]*ElementMap
}

// OperationInfo is the raw metamodel description of one operation.
// Params are ordered as declared; the order is significant both for
// identifier detection and for route generation determinism.
type OperationInfo struct {
	Name     string
	Params   []FieldInfo
	Output   *TypeInfo
	Errors   []string // structure ids of the errors the operation may report
	Metadata map[string]*ElementMap

	// ReleasedIn optionally names the platform release that introduced
	// the operation; the gateway may exclude operations newer than the
	// configured platform version.
	ReleasedIn string
}

// StructureKind separates plain structures from error structures.
type StructureKind int

const (
	KindStructure StructureKind = iota
	KindError
)

// StructureInfo is the raw metamodel description of one structure.
type StructureInfo struct {
	Name         string
	Kind         StructureKind
	Fields       []FieldInfo
	Metadata     map[string]*ElementMap
	Enumerations map[string]*EnumerationInfo
}

// EnumerationInfo lists the values of one enumeration.
type EnumerationInfo struct {
	Name   string
	Values []string
}

// ServiceInfo holds a service's operations (ordered as declared) plus any
// service-scoped structures and enumerations.
type ServiceInfo struct {
	Name         string
	Operations   []OperationInfo
	Structures   map[string]*StructureInfo
	Enumerations map[string]*EnumerationInfo
}

// PackageInfo groups services, structures and enumerations.
type PackageInfo struct {
	Name         string
	Services     map[string]*ServiceInfo
	Structures   map[string]*StructureInfo
	Enumerations map[string]*EnumerationInfo
}

// ComponentInfo is the top of the metamodel hierarchy.
type ComponentInfo struct {
	Name     string
	Packages map[string]*PackageInfo
}

// MetadataProvider exposes the metamodel to the store. Implementations may
// introspect a live provider or parse a document; the store only walks the
// result once at startup.
type MetadataProvider interface {
	Components() ([]*ComponentInfo, error)
}

//  ######################################################
//              OPERATION SUMMARY
//  ######################################################

// OperationSummary is the digested, lookup-friendly view of one operation
// the dispatcher works against. Immutable once built.
type OperationSummary struct {
	// ParamNames preserves declaration order; Params indexes by name.
	ParamNames []string
	Params     map[string]FieldInfo

	// PathVariables maps a @PathVariable alias to the canonical parameter
	// name. Only populated for RequestMapping operations.
	PathVariables map[string]string

	RequestMapping *ElementMap

	// Verb is the HTTP method of a @Verb annotation ("" when absent);
	// VerbMetadata carries its path/params/headers elements.
	Verb         string
	VerbMetadata *ElementMap

	// QueryVariables and HeaderVariables map a wire alias to the dotted
	// canonical parameter name (e.g. "spec.user"). Only populated for
	// verb operations.
	QueryVariables  map[string]string
	HeaderVariables map[string]string

	// SuccessResponseCode overrides the 200 default when non-zero.
	SuccessResponseCode int

	// ResponseHeaders maps an output field name to the HTTP header it is
	// surfaced as; ResponseBodyName names the single @Body output field.
	ResponseHeaders  map[string]string
	ResponseBodyName string

	Errors     []string
	Output     *TypeInfo
	ReleasedIn string
}

// HasRequestMapping reports whether the operation carries a @RequestMapping
// annotation.
func (s *OperationSummary) HasRequestMapping() bool {
	return s.RequestMapping != nil
}

// HasVerb reports whether the operation carries a @Verb annotation.
func (s *OperationSummary) HasVerb() bool {
	return s.Verb != ""
}

// IdentifierParam returns the name of the first declared parameter of the
// builtin identifier type, or "" when the operation has none.
func (s *OperationSummary) IdentifierParam() string {
	for _, name := range s.ParamNames {
		p := s.Params[name]
		if p.Type != nil && p.Type.Category == CategoryBuiltin && p.Type.Builtin == BuiltinID {
			return name
		}
	}
	return ""
}

// ServiceSummary holds one service's operation summaries, preserving the
// declared operation order for deterministic route generation.
type ServiceSummary struct {
	OperationIDs []string
	Operations   map[string]*OperationSummary
}

//  ######################################################
//              METADATA STORE
//  ######################################################

// MetadataStore ingests the metamodel once and serves read-only lookup
// tables thereafter. Safe for concurrent reads without locking.
type MetadataStore struct {
	ServiceMap     map[string]*ServiceSummary
	StructureMap   map[string]map[string]FieldInfo
	EnumerationMap map[string]*EnumerationInfo

	// ErrorResponseCodeMap maps an error structure id to its declared
	// HTTP status.
	ErrorResponseCodeMap map[string]int

	// responseHeaderMap: structure id -> output field -> header name.
	responseHeaderMap map[string]map[string]string
	// responseBodyMap: structure id -> @Body field name.
	responseBodyMap map[string]string

	sessionService string
}

// BuildMetadataStore walks every component exposed by the provider and
// builds the lookup tables. An internally inconsistent metamodel (a
// structure reference that does not resolve) fails the build; the store is
// never usable in a partially built state.
//
// sessionService designates the one service that never receives verb
// annotation processing, keeping login/logout routing unambiguous.
func BuildMetadataStore(provider MetadataProvider, sessionService string) (*MetadataStore, error) {
	store := &MetadataStore{
		ServiceMap:           map[string]*ServiceSummary{},
		StructureMap:         map[string]map[string]FieldInfo{},
		EnumerationMap:       map[string]*EnumerationInfo{},
		ErrorResponseCodeMap: map[string]int{},
		responseHeaderMap:    map[string]map[string]string{},
		responseBodyMap:      map[string]string{},
		sessionService:       sessionService,
	}
	components, err := provider.Components()
	if err != nil {
		return nil, err
	}
	// Two passes: structures and enumerations first so that service
	// processing can resolve cross-package references.
	for _, component := range components {
		for _, pkgName := range sortedKeys(component.Packages) {
			pkg := component.Packages[pkgName]
			for _, id := range sortedKeys(pkg.Structures) {
				store.processStructure(id, pkg.Structures[id])
			}
			for _, id := range sortedKeys(pkg.Enumerations) {
				store.EnumerationMap[id] = pkg.Enumerations[id]
			}
			for _, id := range sortedKeys(pkg.Services) {
				svc := pkg.Services[id]
				for _, sid := range sortedKeys(svc.Structures) {
					store.processStructure(sid, svc.Structures[sid])
				}
				for _, eid := range sortedKeys(svc.Enumerations) {
					store.EnumerationMap[eid] = svc.Enumerations[eid]
				}
			}
		}
	}
	for _, component := range components {
		for _, pkgName := range sortedKeys(component.Packages) {
			pkg := component.Packages[pkgName]
			for _, id := range sortedKeys(pkg.Services) {
				if err := store.processService(id, pkg.Services[id]); err != nil {
					return nil, err
				}
			}
		}
	}
	return store, nil
}

// SessionService returns the designated session service id.
func (m *MetadataStore) SessionService() string {
	return m.sessionService
}

// ServiceIDs returns all service ids in sorted order.
func (m *MetadataStore) ServiceIDs() []string {
	return sortedKeys(m.ServiceMap)
}

// Operation returns the summary for (serviceID, operationID), or nil.
func (m *MetadataStore) Operation(serviceID, operationID string) *OperationSummary {
	svc := m.ServiceMap[serviceID]
	if svc == nil {
		return nil
	}
	return svc.Operations[operationID]
}

func (m *MetadataStore) processStructure(structureID string, info *StructureInfo) {
	fieldMap := map[string]FieldInfo{}
	headerMap := map[string]string{}
	for _, field := range info.Fields {
		fieldMap[field.Name] = field
		if ann, ok := field.Metadata[HeaderAnnotation]; ok {
			headerMap[field.Name] = ann.stringElement(NameElement)
		}
		if _, ok := field.Metadata[BodyAnnotation]; ok {
			m.responseBodyMap[structureID] = field.Name
		}
	}
	m.StructureMap[structureID] = fieldMap
	if len(headerMap) > 0 {
		m.responseHeaderMap[structureID] = headerMap
	}
	for id, enum := range info.Enumerations {
		m.EnumerationMap[id] = enum
	}
	if info.Kind == KindError {
		if ann, ok := info.Metadata[ResponseAnnotation]; ok {
			if code, err := strconv.Atoi(ann.stringElement(CodeElement)); err == nil {
				m.ErrorResponseCodeMap[structureID] = code
			}
		}
	}
}

func (m *MetadataStore) processService(serviceID string, info *ServiceInfo) error {
	summary := &ServiceSummary{Operations: map[string]*OperationSummary{}}
	for _, op := range info.Operations {
		opSummary, err := m.summarizeOperation(serviceID, op)
		if err != nil {
			return err
		}
		summary.OperationIDs = append(summary.OperationIDs, op.Name)
		summary.Operations[op.Name] = opSummary
	}
	m.ServiceMap[serviceID] = summary
	return nil
}

func (m *MetadataStore) summarizeOperation(serviceID string, op OperationInfo) (*OperationSummary, error) {
	s := &OperationSummary{
		Params:     map[string]FieldInfo{},
		Errors:     op.Errors,
		Output:     op.Output,
		ReleasedIn: op.ReleasedIn,
	}
	for _, p := range op.Params {
		s.ParamNames = append(s.ParamNames, p.Name)
		s.Params[p.Name] = p
	}

	if rm, ok := op.Metadata[RequestMappingAnnotation]; ok {
		s.RequestMapping = rm
		s.PathVariables = map[string]string{}
		for _, p := range op.Params {
			if pv, ok := p.Metadata[PathVariableAnnotation]; ok {
				s.PathVariables[pv.stringElement(ValueElement)] = p.Name
			}
		}
		return s, nil
	}

	if serviceID == m.sessionService {
		return s, nil
	}
	for _, verb := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
		if vm, ok := op.Metadata[verb]; ok {
			s.Verb = verb
			s.VerbMetadata = vm
			break
		}
	}
	if s.Verb == "" {
		return s, nil
	}

	header, query, err := m.headerAndQueryVariables(op.Params)
	if err != nil {
		return nil, err
	}
	s.HeaderVariables = header
	s.QueryVariables = query

	if resp, ok := op.Metadata[ResponseAnnotation]; ok {
		if code, err := strconv.Atoi(resp.stringElement(CodeElement)); err == nil {
			s.SuccessResponseCode = code
		}
	}

	s.ResponseHeaders = map[string]string{}
	if op.Output != nil && op.Output.Category == CategoryUserDefined &&
		op.Output.UserDefined.ResourceType == StructureResource {
		structID := op.Output.UserDefined.ResourceID
		for field, headerName := range m.responseHeaderMap[structID] {
			s.ResponseHeaders[field] = headerName
		}
		s.ResponseBodyName = m.responseBodyMap[structID]
	}
	return s, nil
}

// headerAndQueryVariables resolves @Header and @Query aliases for the
// operation's parameters. Scalar parameters alias directly; structure
// parameters contribute an alias per annotated field, addressed by the
// dotted "param.field" form.
func (m *MetadataStore) headerAndQueryVariables(params []FieldInfo) (map[string]string, map[string]string, error) {
	header := map[string]string{}
	query := map[string]string{}
	for _, p := range params {
		resourceID := structResourceID(p.Type)
		if resourceID == "" || m.EnumerationMap[resourceID] != nil {
			if ann, ok := p.Metadata[HeaderAnnotation]; ok {
				header[canonicalHeaderName(ann.stringElement(NameElement))] = p.Name
			}
			if ann, ok := p.Metadata[QueryAnnotation]; ok {
				query[ann.stringElement(NameElement)] = p.Name
			}
			continue
		}
		fields, ok := m.StructureMap[resourceID]
		if !ok {
			return nil, nil, internalf(
				"metamodel inconsistency: structure %q referenced by parameter %q is not defined",
				resourceID, p.Name)
		}
		for _, name := range sortedKeys(fields) {
			info := fields[name]
			if info.Type != nil && info.Type.Category == CategoryUserDefined {
				continue
			}
			if ann, ok := info.Metadata[HeaderAnnotation]; ok {
				header[canonicalHeaderName(ann.stringElement(NameElement))] = p.Name + "." + name
			}
			if ann, ok := info.Metadata[QueryAnnotation]; ok {
				query[p.Name+"."+ann.stringElement(NameElement)] = p.Name + "." + name
			}
		}
	}
	return header, query, nil
}

// structResourceID returns the structure id a parameter resolves to,
// unwrapping one level of optional, or "" for non-structure parameters.
func structResourceID(t *TypeInfo) string {
	if t == nil {
		return ""
	}
	switch t.Category {
	case CategoryUserDefined:
		return t.UserDefined.ResourceID
	case CategoryGeneric:
		g := t.Generic
		if g.Kind == GenericOptional && g.ElementType != nil &&
			g.ElementType.Category == CategoryUserDefined {
			return g.ElementType.UserDefined.ResourceID
		}
	}
	return ""
}

// canonicalHeaderName converts a declared header alias to the form request
// headers are matched with: Title-Case with underscores as dashes.
func canonicalHeaderName(name string) string {
	name = strings.ReplaceAll(name, "_", "-")
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
