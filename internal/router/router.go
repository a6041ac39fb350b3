package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
	"example.com/happyserver/internal/server"
)

// route pairs a configured route with the handler built for it.
type route struct {
	config.Route
	handler http.Handler
}

// Router holds the routing table and dispatches requests.
// It is responsible for matching incoming request paths against configured routes
// and forwarding the request to the appropriate handler.
type Router struct {
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]*route

	// prefixRoutes is sorted by PathPattern length, longest first, so the
	// most specific prefix wins.
	prefixRoutes []*route

	log *logger.Logger
}

// NewRouter builds the routing table and instantiates every route's handler
// once through the registry. Handler construction errors (usually an invalid
// handler_config) are returned so the server refuses to start.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		exactRoutes: make(map[string]*route),
		log:         lg,
	}

	for i, rc := range routes {
		h, err := registry.CreateHandler(rc.HandlerType, rc.HandlerConfig, lg)
		if err != nil {
			return nil, fmt.Errorf("routing.routes[%d] (%s): %w", i, rc.PathPattern, err)
		}
		rt := &route{Route: rc, handler: h}
		switch rc.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[rc.PathPattern] = rt
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, rt)
		default:
			return nil, fmt.Errorf("routing.routes[%d] (%s): unknown match_type %q", i, rc.PathPattern, rc.MatchType)
		}
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].PathPattern) > len(r.prefixRoutes[j].PathPattern)
	})
	return r, nil
}

// FindRoute matches path against the table. Exact matches take precedence
// over prefix matches; among prefixes the longest wins. It returns nil when
// nothing matches.
func (r *Router) FindRoute(path string) *config.Route {
	if rt := r.match(path); rt != nil {
		return &rt.Route
	}
	return nil
}

func (r *Router) match(path string) *route {
	if rt, ok := r.exactRoutes[path]; ok {
		return rt
	}
	for _, rt := range r.prefixRoutes {
		if strings.HasPrefix(path, rt.PathPattern) {
			return rt
		}
	}
	return nil
}

// ServeHTTP dispatches the request to the handler of the matching route and
// records the match in the request context. Unmatched paths get a 404 page.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestPath := req.URL.Path
	rt := r.match(requestPath)
	if rt == nil {
		r.log.Info("No route matched for request", logger.LogFields{
			"path":       requestPath,
			"request_id": server.RequestIDFromContext(req.Context()),
		})
		_ = server.WriteErrorResponse(w, req, http.StatusNotFound, "", r.log)
		return
	}

	ctx := server.WithRouteMatch(req.Context(), server.RouteMatch{
		PathPattern: rt.PathPattern,
		MatchType:   rt.MatchType,
	})
	rt.handler.ServeHTTP(w, req.WithContext(ctx))
}
