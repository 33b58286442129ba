/*
Package rest_gateway exposes the operations of an API provider as REST
endpoints derived from the provider's own metamodel metadata.

The gateway ingests service metadata once at startup, derives a route table
from a fixed set of mapping rules (explicit request mappings, HTTP verb
annotations, CRUD naming conventions and a POST-action fallback), and
dispatches incoming requests to the provider with inputs assembled from the
URL path, query string, headers and body. Long-running operation variants
are tracked by a task manager and reported through task handles.

The main entry point is New, which takes a GatewayConfig, an ApiProvider
and a MetadataProvider and returns an http.Handler ready to serve.
*/
package rest_gateway
