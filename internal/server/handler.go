package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
)

// HandlerFactory builds a handler from the opaque handler_config of a route.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (http.Handler, error)

// HandlerRegistry manages the registration and retrieval of HandlerFactory instances.
// It maps HandlerType strings from configuration to their factory functions
// and is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates and returns a new HandlerRegistry instance.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates a HandlerType string with a factory function.
// It returns an error if a HandlerType is registered more than once.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("factory for handler type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves a registered HandlerFactory for the given handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler instantiates a handler for handlerType using its registered
// factory. Factory errors (typically invalid handler_config) are returned
// wrapped with the handler type.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (http.Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	h, err := factory(handlerConfig, lg)
	if err != nil {
		return nil, fmt.Errorf("handler type '%s': %w", handlerType, err)
	}
	return h, nil
}

// ClearFactories removes all registered factories. Used by tests.
func (r *HandlerRegistry) ClearFactories() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]HandlerFactory)
}

type routeMatchKey struct{}

// RouteMatch describes the route that selected the current handler.
type RouteMatch struct {
	PathPattern string
	MatchType   config.MatchType
}

// WithRouteMatch returns a copy of ctx carrying m.
func WithRouteMatch(ctx context.Context, m RouteMatch) context.Context {
	return context.WithValue(ctx, routeMatchKey{}, m)
}

// RouteMatchFromContext returns the RouteMatch stored by the router, if any.
func RouteMatchFromContext(ctx context.Context) (RouteMatch, bool) {
	m, ok := ctx.Value(routeMatchKey{}).(RouteMatch)
	return m, ok
}
