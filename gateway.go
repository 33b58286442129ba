package rest_gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	version "github.com/hashicorp/go-version"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/restgate-io/go-rest-gateway/core"
)

// GatewayVersion returns the gateway library version.
func GatewayVersion() string {
	return core.GatewayVersion()
}

// Gateway is an HTTP front end that exposes an ApiProvider's operations as
// REST endpoints derived from its metamodel metadata.
type Gateway struct {
	config  *core.GatewayConfig
	store   *core.MetadataStore
	routes  *core.RouteTable
	handler *core.RESTHandler
	router  *httprouter.Router
	tasks   *core.TaskManager
	logger  *zap.Logger

	server *http.Server
}

// New assembles a gateway: it ingests the provider's metadata, generates
// the route table and registers every route on the HTTP router. The
// returned gateway is ready to serve; nothing about its routing changes
// afterwards.
func New(config *core.GatewayConfig, provider core.ApiProvider, metadata core.MetadataProvider) (*Gateway, error) {
	config.Validate(
		core.WithPrefix("/rest/"),
		core.WithAddress(":9443"),
		core.WithPlatformVersion(),
		core.WithSecurityParsers(core.UserPasswordParser{}, core.SessionParser{}),
	)
	logger, err := core.SetupLogger(config.Log)
	if err != nil {
		return nil, err
	}

	store, err := core.BuildMetadataStore(metadata, config.SessionService)
	if err != nil {
		return nil, err
	}
	if err := pruneUnreleasedOperations(store, config.PlatformVersion, logger); err != nil {
		return nil, err
	}
	routes, err := core.GenerateRoutes(store, config.Prefix)
	if err != nil {
		return nil, err
	}

	var cookies *core.ResponseCookieBuilder
	if config.AllowCookies {
		cookies = core.NewResponseCookieBuilder(config.SessionMethods...)
	}
	handler := core.NewRESTHandler(
		provider,
		store,
		core.NewSecurityContextBuilder(config.SecurityParsers...),
		cookies,
		logger,
		func() string { return uuid.Must(uuid.NewV4()).String() },
	)

	g := &Gateway{
		config:  config,
		store:   store,
		routes:  routes,
		handler: handler,
		router:  httprouter.New(),
		tasks:   core.NewTaskManager(core.WithTaskLogger(logger)),
		logger:  logger,
	}
	if err := g.registerRoutes(); err != nil {
		return nil, err
	}
	logger.Info("gateway assembled",
		zap.Int("routes", len(routes.Routes)),
		zap.String("prefix", config.Prefix))
	return g, nil
}

// Routes returns the generated route table.
func (g *Gateway) Routes() *core.RouteTable {
	return g.routes
}

// Store returns the metadata store backing the gateway.
func (g *Gateway) Store() *core.MetadataStore {
	return g.store
}

// Tasks returns the task manager providers publish long-running operation
// state to.
func (g *Gateway) Tasks() *core.TaskManager {
	return g.tasks
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// ListenAndServe runs the gateway on the configured address until the
// context ends.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.server = &http.Server{Addr: g.config.Address, Handler: g.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.server.ListenAndServe()
	}()
	g.logger.Info("gateway listening", zap.String("address", g.config.Address))
	select {
	case <-ctx.Done():
		return g.server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) registerRoutes() (err error) {
	// httprouter reports template conflicts by panicking.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("conflicting route templates: %v", r)
		}
	}()
	for _, route := range g.routes.Routes {
		route := route
		g.router.Handle(route.Method, routerPath(route.URLTemplate),
			func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
				pathParams := make(map[string]string, len(ps))
				for _, p := range ps {
					pathParams[p.Key] = p.Value
				}
				g.write(w, g.handler.Invoke(r, route, pathParams))
			})
	}
	return nil
}

func (g *Gateway) write(w http.ResponseWriter, resp *core.Response) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if resp.ContentType != "" {
		w.Header().Set(core.ContentTypeHeader, resp.ContentType)
	}
	for name, value := range resp.Cookies {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     g.config.Prefix,
			HttpOnly: true,
		})
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			g.logger.Warn("response write failed", zap.Error(err))
		}
	}
}

// routerPath converts a brace URL template into httprouter's colon syntax.
func routerPath(template string) string {
	var b strings.Builder
	for {
		open := strings.Index(template, "{")
		if open < 0 {
			b.WriteString(template)
			return b.String()
		}
		end := strings.Index(template, "}")
		if end < open {
			b.WriteString(template)
			return b.String()
		}
		b.WriteString(template[:open])
		b.WriteString(":")
		b.WriteString(template[open+1 : end])
		template = template[end+1:]
	}
}

// pruneUnreleasedOperations drops operations released after the configured
// platform version so that routes for them are never generated.
func pruneUnreleasedOperations(store *core.MetadataStore, platformVersion string, logger *zap.Logger) error {
	if platformVersion == "" {
		return nil
	}
	platform, err := version.NewVersion(platformVersion)
	if err != nil {
		return err
	}
	for _, serviceID := range store.ServiceIDs() {
		service := store.ServiceMap[serviceID]
		kept := service.OperationIDs[:0]
		for _, operationID := range service.OperationIDs {
			op := service.Operations[operationID]
			if op.ReleasedIn != "" {
				releasedIn, err := version.NewVersion(op.ReleasedIn)
				if err == nil && releasedIn.GreaterThan(platform) {
					delete(service.Operations, operationID)
					logger.Debug("operation excluded by platform version",
						zap.String("service", serviceID),
						zap.String("operation", operationID),
						zap.String("released_in", op.ReleasedIn))
					continue
				}
			}
			kept = append(kept, operationID)
		}
		service.OperationIDs = kept
	}
	return nil
}
