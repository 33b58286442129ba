package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Params represents a generic set of key-value parameters: merged request
// input on its way to the provider, or a nested structure value inside it.
type Params = map[string]any

// Record represents one structured result value returned by a provider.
type Record = map[string]any

//  ######################################################
//              QUERY STRING DESERIALIZATION
//  ######################################################

// DeserializeQuery parses an HTTP query string into a nested Params value.
//
// Top level members are referenced by name; nested structures concatenate
// names with "."; arrays use a 1-based "param.n" notation; maps use
// "param.n.key" / "param.n.value" pairs:
//
//	list_string=a&list_string=b
//	spec.user=bob
//	spec.list.1=x&spec.list.2=y
//	spec.map.1.key=k&spec.map.1.value=v
//
// With verbStyle set (operations routed through a verb annotation), dotted
// keys stay flat unless a numeric segment introduces an array, since the
// declared query aliases are themselves dotted.
func DeserializeQuery(rawQuery string, verbStyle bool) (Params, error) {
	type pair struct {
		key   string
		value any // string or []any of strings
	}
	var pairs []pair
	index := map[string]int{}
	for _, item := range strings.Split(rawQuery, "&") {
		pos := strings.Index(item, "=")
		if pos < 0 {
			continue
		}
		key, err := unescapeQuery(item[:pos])
		if err != nil {
			return nil, err
		}
		value, err := unescapeQuery(item[pos+1:])
		if err != nil {
			return nil, err
		}
		if value == "" {
			continue
		}
		if i, ok := index[key]; ok {
			// Repeated keys collect into a list the input builder can
			// consume directly.
			switch prev := pairs[i].value.(type) {
			case string:
				pairs[i].value = []any{prev, value}
			case []any:
				pairs[i].value = append(prev, value)
			}
			continue
		}
		index[key] = len(pairs)
		pairs = append(pairs, pair{key: key, value: value})
	}

	out := Params{}
	for _, kv := range pairs {
		if err := assignQueryValue(out, kv.key, kv.value, verbStyle); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func unescapeQuery(s string) (string, error) {
	unescaped, err := url.QueryUnescape(s)
	if err != nil {
		return "", badRequestf("malformed query encoding: %v", err)
	}
	return unescaped, nil
}

// assignQueryValue walks the dotted key left to right, materializing maps
// for name segments and slices for numeric segments.
func assignQueryValue(root Params, key string, value any, verbStyle bool) error {
	tokens := strings.Split(key, ".")

	if verbStyle {
		// Flat key unless an array index appears; the alias tables use
		// dotted names directly.
		arrayAt := -1
		for i := 1; i < len(tokens); i++ {
			if isDigits(tokens[i]) {
				arrayAt = i
				break
			}
		}
		if arrayAt < 0 {
			root[key] = value
			return nil
		}
		flat := strings.Join(tokens[:arrayAt], ".")
		rest := tokens[arrayAt:]
		return assignTokens(root, append([]string{flat}, rest...), value)
	}
	return assignTokens(root, tokens, value)
}

func assignTokens(root Params, tokens []string, value any) error {
	var current any = root
	for i, token := range tokens {
		var next string
		if i+1 < len(tokens) {
			next = tokens[i+1]
		}
		if next == "" {
			switch c := current.(type) {
			case Params:
				c[token] = value
			case *[]any:
				index, err := strconv.Atoi(token)
				if err != nil || index < 1 {
					return badRequestf("invalid array index %q in query string", token)
				}
				if index != len(*c)+1 {
					return badRequestf(
						"element with index %d is expected, but got %d", len(*c)+1, index)
				}
				*c = append(*c, value)
			}
			return nil
		}

		var placeholder any
		if isDigits(next) {
			placeholder = &[]any{}
		} else {
			placeholder = Params{}
		}
		switch c := current.(type) {
		case Params:
			if existing, ok := c[token]; ok {
				current = existing
			} else {
				c[token] = placeholder
				current = placeholder
			}
		case *[]any:
			index, err := strconv.Atoi(token)
			if err != nil || index < 1 {
				return badRequestf("invalid array index %q in query string", token)
			}
			if index > len(*c)+1 {
				return badRequestf(
					"element with index %d is expected, but got %d", len(*c)+1, index)
			}
			if index == len(*c)+1 {
				*c = append(*c, placeholder)
			}
			current = (*c)[index-1]
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// resolveQuerySlices rewrites *[]any placeholders into plain []any values
// so callers see ordinary nested maps and slices.
func resolveQuerySlices(v any) any {
	switch c := v.(type) {
	case Params:
		for k, item := range c {
			c[k] = resolveQuerySlices(item)
		}
		return c
	case *[]any:
		out := make([]any, len(*c))
		for i, item := range *c {
			out[i] = resolveQuerySlices(item)
		}
		return out
	default:
		return v
	}
}

//  ######################################################
//              INPUT MERGE
//  ######################################################

// MergeInput merges update into base recursively, returning a new map.
// Colliding maps merge key by key; anything else is replaced by update.
func MergeInput(base, update Params) Params {
	out := Params{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		if existing, ok := out[k].(Params); ok {
			if updateMap, ok := v.(Params); ok {
				out[k] = MergeInput(existing, updateMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

//  ######################################################
//              OPERATION INPUT BUILDER
//  ######################################################

// BuildOperationInput validates merged request data against the operation's
// declared parameter shape and converts wire values (strings from the URL,
// json.Number/bool/map/slice from the body) into their native forms. Any
// parameter or field not declared in the metamodel is a hard failure: typos
// in client requests must never be silently swallowed.
func (m *MetadataStore) BuildOperationInput(serviceID, operationID string, data Params, mappingType AnnotationType) (Params, error) {
	op := m.Operation(serviceID, operationID)
	if op == nil {
		return nil, internalf("no metadata for operation %s.%s", serviceID, operationID)
	}
	b := &inputBuilder{store: m, mappingType: mappingType}
	fields := Params{}
	for name, value := range data {
		param, ok := op.Params[name]
		if !ok {
			return nil, badRequestf("unexpected parameter %q in request", name)
		}
		converted, err := b.visit(param.Type, resolveQuerySlices(value))
		if err != nil {
			return nil, err
		}
		fields[name] = converted
	}
	return fields, nil
}

type inputBuilder struct {
	store       *MetadataStore
	mappingType AnnotationType
}

func (b *inputBuilder) visit(t *TypeInfo, v any) (any, error) {
	if t == nil {
		return nil, internalf("parameter has no declared type")
	}
	switch t.Category {
	case CategoryBuiltin:
		return b.visitBuiltin(t, v)
	case CategoryUserDefined:
		return b.visitUserDefined(t, v)
	case CategoryGeneric:
		return b.visitGeneric(t, v)
	}
	return nil, internalf("unsupported type category %d", t.Category)
}

func (b *inputBuilder) visitBuiltin(t *TypeInfo, v any) (any, error) {
	switch t.Builtin {
	case BuiltinVoid:
		return nil, nil
	case BuiltinBoolean:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			switch strings.ToLower(val) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, badRequestf("expected boolean value, but got %v", v)
	case BuiltinLong:
		switch val := v.(type) {
		case json.Number:
			n, err := val.Int64()
			if err != nil {
				return nil, badRequestf("expected integer value, but got %v", v)
			}
			return n, nil
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, badRequestf("expected integer value, but got %q", val)
			}
			return n, nil
		}
		return nil, badRequestf("expected integer value, but got %v", v)
	case BuiltinDouble:
		// Doubles stay as json.Number so arbitrary precision survives the
		// round trip to the provider.
		switch val := v.(type) {
		case json.Number:
			return val, nil
		case string:
			if _, err := strconv.ParseFloat(val, 64); err != nil {
				return nil, badRequestf("expected numeric value, but got %q", val)
			}
			return json.Number(val), nil
		}
		return nil, badRequestf("expected numeric value, but got %v", v)
	case BuiltinBinary:
		s, ok := v.(string)
		if !ok {
			return nil, badRequestf("expected base64 string, but got %v", v)
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, badRequestf("invalid base64 value: %v", err)
		}
		return decoded, nil
	case BuiltinString, BuiltinSecret, BuiltinDateTime, BuiltinID, BuiltinURI:
		s, ok := v.(string)
		if !ok {
			return nil, badRequestf("expected string value, but got %v", v)
		}
		return s, nil
	case BuiltinDynamicStructure, BuiltinAnyError:
		return v, nil
	case BuiltinOpaque:
		switch v.(type) {
		case string, bool, json.Number:
			return v, nil
		}
		return nil, badRequestf(
			"expected string or boolean or long or double value, but got %v", v)
	}
	return nil, internalf("builtin type %d is not supported", t.Builtin)
}

func (b *inputBuilder) visitUserDefined(t *TypeInfo, v any) (any, error) {
	switch t.UserDefined.ResourceType {
	case EnumerationResource:
		s, ok := v.(string)
		if !ok {
			return nil, badRequestf("expected enumeration value, but got %v", v)
		}
		return s, nil
	case StructureResource:
		fields, ok := b.store.StructureMap[t.UserDefined.ResourceID]
		if !ok {
			return nil, internalf(
				"metamodel inconsistency: structure %q is not defined", t.UserDefined.ResourceID)
		}
		obj, ok := v.(Params)
		if !ok {
			return nil, badRequestf("expected object value, but got %v", v)
		}
		out := Params{}
		for name, value := range obj {
			field, ok := fields[name]
			if !ok {
				return nil, badRequestf("unexpected field %q in request", name)
			}
			converted, err := b.visit(field.Type, value)
			if err != nil {
				return nil, err
			}
			out[name] = converted
		}
		return out, nil
	}
	return nil, internalf(
		"user defined type %q is not supported", t.UserDefined.ResourceType)
}

func (b *inputBuilder) visitGeneric(t *TypeInfo, v any) (any, error) {
	g := t.Generic
	switch g.Kind {
	case GenericOptional:
		if v == nil {
			return nil, nil
		}
		return b.visit(g.ElementType, v)
	case GenericList, GenericSet:
		items, ok := v.([]any)
		if !ok {
			return nil, badRequestf("expected list, but got %T", v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			converted, err := b.visit(g.ElementType, item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case GenericMap:
		if b.mappingType == AnnotationVerb {
			obj, ok := v.(Params)
			if !ok {
				return nil, badRequestf("expected object, but got %T", v)
			}
			out := Params{}
			for key, value := range obj {
				converted, err := b.visit(g.MapValueType, value)
				if err != nil {
					return nil, err
				}
				out[key] = converted
			}
			return out, nil
		}
		// Legacy annotations encode maps as a list of key/value entries.
		items, ok := v.([]any)
		if !ok {
			return nil, badRequestf("expected list of map entries, but got %T", v)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			entry, ok := item.(Params)
			if !ok {
				return nil, badRequestf("invalid map entry %v", item)
			}
			rawKey, okKey := entry["key"]
			rawValue, okValue := entry["value"]
			if !okKey || !okValue {
				return nil, badRequestf("invalid map input, missing key or value")
			}
			key, err := b.visit(g.MapKeyType, rawKey)
			if err != nil {
				return nil, err
			}
			value, err := b.visit(g.MapValueType, rawValue)
			if err != nil {
				return nil, err
			}
			out = append(out, Params{"key": key, "value": value})
		}
		return out, nil
	}
	return nil, internalf("generic type %d is not supported", g.Kind)
}

//  ######################################################
//              BODY CODECS
//  ######################################################

// DecodeJSONBody parses a JSON request body into Params. Numeric literals
// are kept as json.Number to avoid floating-point round-trip loss.
func DecodeJSONBody(r io.Reader) (Params, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var out Params
	if err := dec.Decode(&out); err != nil {
		return nil, badRequestf("invalid JSON in request body: %v", err)
	}
	return out, nil
}

// EncodeBody serializes a response value honoring the request's Accept
// header: msgpack when application/x-msgpack is requested, JSON otherwise.
// Returns the body and the content type emitted.
func EncodeBody(accept string, v any) ([]byte, string, error) {
	if strings.Contains(accept, MsgpackContentType) {
		body, err := msgpack.Marshal(normalizeNumbers(v))
		if err != nil {
			return nil, "", internalf("cannot encode response: %v", err)
		}
		return body, MsgpackContentType, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, "", internalf("cannot encode response: %v", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), JSONContentType, nil
}

// normalizeNumbers rewrites json.Number values into native numerics for
// encoders that do not understand them.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case Params:
		out := make(Params, len(val))
		for k, item := range val {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeNumbers(item)
		}
		return out
	default:
		return v
	}
}
