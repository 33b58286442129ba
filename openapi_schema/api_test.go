package openapi_schema

import (
	"testing"

	"github.com/restgate-io/go-rest-gateway/core"
)

const wikiDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "wiki", "version": "1.0.0"},
  "paths": {
    "/pages": {
      "get": {
        "operationId": "list",
        "tags": ["wiki.pages"],
        "parameters": [
          {"name": "limit", "in": "query", "schema": {"type": "integer"}}
        ],
        "responses": {
          "200": {
            "description": "pages",
            "content": {
              "application/json": {
                "schema": {"type": "array", "items": {"$ref": "#/components/schemas/Page"}}
              }
            }
          }
        }
      },
      "post": {
        "operationId": "create",
        "tags": ["wiki.pages"],
        "x-released-in": "1.1.0",
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {"$ref": "#/components/schemas/PageSpec"}
            }
          }
        },
        "responses": {
          "201": {
            "description": "created",
            "content": {
              "application/json": {
                "schema": {"$ref": "#/components/schemas/Page"}
              }
            }
          },
          "409": {
            "description": "duplicate",
            "content": {
              "application/json": {
                "schema": {"$ref": "#/components/schemas/DuplicateName"}
              }
            }
          }
        }
      }
    },
    "/pages/{page}": {
      "get": {
        "operationId": "get",
        "tags": ["wiki.pages"],
        "x-dispatch-params": ["verbose"],
        "parameters": [
          {"name": "page", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "X-Trace-Id", "in": "header", "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "page"}}
      }
    }
  },
  "components": {
    "schemas": {
      "Page": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string"},
          "modified": {"type": "string", "format": "date-time"},
          "labels": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      },
      "PageSpec": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "state": {"$ref": "#/components/schemas/PageState"}
        }
      },
      "PageState": {"type": "string", "enum": ["DRAFT", "PUBLISHED"]},
      "DuplicateName": {
        "type": "object",
        "x-error": true,
        "x-response-code": 409,
        "properties": {
          "messages": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

func wikiPackage(t *testing.T) *core.PackageInfo {
	t.Helper()
	provider, err := LoadData([]byte(wikiDoc), "wiki")
	if err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	components, err := provider.Components()
	if err != nil {
		t.Fatalf("Components() error = %v", err)
	}
	if len(components) != 1 {
		t.Fatalf("component count = %d", len(components))
	}
	pkg := components[0].Packages["wiki"]
	if pkg == nil {
		t.Fatal("wiki package missing")
	}
	return pkg
}

func findOperation(t *testing.T, pkg *core.PackageInfo, name string) core.OperationInfo {
	t.Helper()
	svc := pkg.Services["wiki.pages"]
	if svc == nil {
		t.Fatal("wiki.pages service missing")
	}
	for _, op := range svc.Operations {
		if op.Name == name {
			return op
		}
	}
	t.Fatalf("operation %q missing", name)
	return core.OperationInfo{}
}

func TestComponentsStructures(t *testing.T) {
	pkg := wikiPackage(t)

	page := pkg.Structures["Page"]
	if page == nil {
		t.Fatal("Page structure missing")
	}
	if page.Kind == core.KindError {
		t.Error("Page must not be an error structure")
	}
	fields := map[string]core.FieldInfo{}
	for _, f := range page.Fields {
		fields[f.Name] = f
	}
	if got := fields["title"].Type; got.Category != core.CategoryBuiltin || got.Builtin != core.BuiltinString {
		t.Errorf("title type = %+v", got)
	}
	modified := fields["modified"].Type
	if modified.Category != core.CategoryGeneric || modified.Generic.Kind != core.GenericOptional {
		t.Fatalf("modified must be optional, got %+v", modified)
	}
	if modified.Generic.ElementType.Builtin != core.BuiltinDateTime {
		t.Errorf("modified element type = %+v", modified.Generic.ElementType)
	}
	labels := fields["labels"].Type.Generic.ElementType
	if labels.Category != core.CategoryGeneric || labels.Generic.Kind != core.GenericMap {
		t.Errorf("labels type = %+v", labels)
	}
}

func TestComponentsErrorStructure(t *testing.T) {
	pkg := wikiPackage(t)

	dup := pkg.Structures["DuplicateName"]
	if dup == nil {
		t.Fatal("DuplicateName structure missing")
	}
	if dup.Kind != core.KindError {
		t.Error("x-error schema must produce an error structure")
	}
	annotation := dup.Metadata[core.ResponseAnnotation]
	if annotation == nil {
		t.Fatal("response annotation missing")
	}
	if got := annotation.Elements[core.CodeElement].StringValue; got != "409" {
		t.Errorf("response code = %q, want 409", got)
	}
}

func TestComponentsEnumeration(t *testing.T) {
	pkg := wikiPackage(t)
	state := pkg.Enumerations["PageState"]
	if state == nil {
		t.Fatal("PageState enumeration missing")
	}
	if len(state.Values) != 2 || state.Values[0] != "DRAFT" {
		t.Errorf("values = %v", state.Values)
	}
	if _, ok := pkg.Structures["PageState"]; ok {
		t.Error("enum schema must not also appear as a structure")
	}
}

func TestComponentsOperations(t *testing.T) {
	pkg := wikiPackage(t)

	list := findOperation(t, pkg, "list")
	verb := list.Metadata["GET"]
	if verb == nil {
		t.Fatal("list has no GET verb metadata")
	}
	if got := verb.Elements[core.PathElement].StringValue; got != "/pages" {
		t.Errorf("path = %q", got)
	}
	if len(list.Params) != 1 || list.Params[0].Name != "limit" {
		t.Fatalf("list params = %+v", list.Params)
	}
	limit := list.Params[0]
	if limit.Type.Generic == nil || limit.Type.Generic.Kind != core.GenericOptional {
		t.Error("non-required query parameter must be optional")
	}
	query := limit.Metadata[core.QueryAnnotation]
	if query == nil || query.Elements[core.NameElement].StringValue != "limit" {
		t.Errorf("query annotation = %+v", query)
	}
	output := list.Output
	if output == nil || output.Generic == nil || output.Generic.Kind != core.GenericList {
		t.Fatalf("list output = %+v", output)
	}
	if output.Generic.ElementType.UserDefined.ResourceID != "Page" {
		t.Errorf("list element type = %+v", output.Generic.ElementType)
	}
}

func TestComponentsBodyAndErrors(t *testing.T) {
	pkg := wikiPackage(t)

	create := findOperation(t, pkg, "create")
	if create.ReleasedIn != "1.1.0" {
		t.Errorf("ReleasedIn = %q", create.ReleasedIn)
	}
	if len(create.Params) != 1 {
		t.Fatalf("create params = %+v", create.Params)
	}
	body := create.Params[0]
	if body.Name != "pagespec" {
		t.Errorf("body param name = %q", body.Name)
	}
	if body.Type.UserDefined == nil || body.Type.UserDefined.ResourceID != "PageSpec" {
		t.Errorf("body param type = %+v", body.Type)
	}
	if len(create.Errors) != 1 || create.Errors[0] != "DuplicateName" {
		t.Errorf("errors = %v", create.Errors)
	}
	if create.Output == nil || create.Output.UserDefined.ResourceID != "Page" {
		t.Errorf("output = %+v", create.Output)
	}
}

func TestComponentsPathAndHeaderParams(t *testing.T) {
	pkg := wikiPackage(t)

	get := findOperation(t, pkg, "get")
	params := map[string]core.FieldInfo{}
	for _, p := range get.Params {
		params[p.Name] = p
	}

	page := params["page"]
	if page.Type.Builtin != core.BuiltinID {
		t.Errorf("path parameter type = %+v, want identifier", page.Type)
	}

	trace := params["X_Trace_Id"]
	if trace.Type == nil {
		t.Fatal("header parameter missing; dashes must map to underscores")
	}
	header := trace.Metadata[core.HeaderAnnotation]
	if header == nil || header.Elements[core.NameElement].StringValue != "X-Trace-Id" {
		t.Errorf("header annotation = %+v", header)
	}

	verb := get.Metadata["GET"]
	if got := verb.Elements[core.ParamsElement].ListValue; len(got) != 1 || got[0] != "verbose" {
		t.Errorf("dispatch params = %v", got)
	}
}

func TestSuccessOutputPicksLowestCode(t *testing.T) {
	const doc = `{
	  "openapi": "3.0.3",
	  "info": {"title": "wiki", "version": "1.0.0"},
	  "paths": {
	    "/exports": {
	      "post": {
	        "operationId": "export",
	        "tags": ["wiki.pages"],
	        "responses": {
	          "202": {
	            "description": "accepted",
	            "content": {
	              "application/json": {"schema": {"type": "string"}}
	            }
	          },
	          "200": {
	            "description": "done",
	            "content": {
	              "application/json": {"schema": {"type": "boolean"}}
	            }
	          }
	        }
	      }
	    }
	  }
	}`
	provider, err := LoadData([]byte(doc), "wiki")
	if err != nil {
		t.Fatalf("LoadData() error = %v", err)
	}
	components, err := provider.Components()
	if err != nil {
		t.Fatalf("Components() error = %v", err)
	}
	pkg := components[0].Packages["wiki"]
	export := findOperation(t, pkg, "export")
	if export.Output == nil || export.Output.Builtin != core.BuiltinBoolean {
		t.Errorf("output = %+v, want the 200 response type", export.Output)
	}
}

func TestProviderFeedsMetadataStore(t *testing.T) {
	provider, err := LoadData([]byte(wikiDoc), "wiki")
	if err != nil {
		t.Fatal(err)
	}
	store, err := core.BuildMetadataStore(provider, "")
	if err != nil {
		t.Fatalf("BuildMetadataStore() error = %v", err)
	}

	op := store.Operation("wiki.pages", "list")
	if op == nil {
		t.Fatal("list operation missing from store")
	}
	if op.Verb != "GET" {
		t.Errorf("Verb = %q, want GET", op.Verb)
	}
	if got := op.QueryVariables["limit"]; got != "limit" {
		t.Errorf("QueryVariables[limit] = %q", got)
	}
	if got := store.ErrorResponseCodeMap["DuplicateName"]; got != 409 {
		t.Errorf("ErrorResponseCodeMap[DuplicateName] = %d", got)
	}

	routes, err := core.GenerateRoutes(store, "/rest/")
	if err != nil {
		t.Fatalf("GenerateRoutes() error = %v", err)
	}
	var found bool
	for _, route := range routes.Routes {
		if route.Method == "GET" && route.URLTemplate == "/rest/pages" {
			found = true
		}
	}
	if !found {
		t.Error("verb path /rest/pages missing from route table")
	}
}
