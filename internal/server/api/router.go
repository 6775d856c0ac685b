package api

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/doyke/eztool/usb"
)

// Request contains route parameters and additional args from the command.
type Request struct {
	Ctx     context.Context
	Params  map[string]string
	Payload string
}

// Response holds the JSON string to return to the client.
type Response struct {
	JSON string
}

// HandlerFunc processes a request and populates the response.
// Returns an error on failure. The logger provided is a connection-scoped logger
// enriched with remote address metadata by the API server.
type HandlerFunc func(req *Request, res *Response, logger *slog.Logger) error

// StreamHandlerFunc handles long-lived TCP connections for bidirectional streaming.
// The handler takes ownership of the connection and should close it when done.
// The logger provided is connection-scoped. Returning a non-nil error indicates
// the handler encountered a terminal failure; the dispatcher/server will log it.
type StreamHandlerFunc func(conn net.Conn, dev usb.Device, logger *slog.Logger) error

// Router implements simple path pattern matching with placeholders in {name}.
type Router struct {
	routes       []routeEntry
	streamRoutes []streamRouteEntry
}

type routeEntry struct {
	pattern routePattern
	handler HandlerFunc
}

type streamRouteEntry struct {
	pattern routePattern
	handler StreamHandlerFunc
}

type routePattern struct {
	parts         []string
	originalParts []string
}

func newRoutePattern(pattern string) routePattern {
	return routePattern{
		parts:         strings.Split(strings.ToLower(pattern), "/"),
		originalParts: strings.Split(pattern, "/"),
	}
}

// match extracts placeholder params if the path components fit the pattern.
// Placeholder names keep the case they were registered with; matching of
// literal components is case-insensitive.
func (rp routePattern) match(parts []string) (map[string]string, bool) {
	if len(rp.parts) != len(parts) {
		return nil, false
	}
	params := map[string]string{}
	for i := range parts {
		if strings.HasPrefix(rp.parts[i], "{") && strings.HasSuffix(rp.parts[i], "}") {
			name := rp.originalParts[i][1 : len(rp.originalParts[i])-1]
			params[name] = parts[i]
			continue
		}
		if rp.parts[i] != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// NewRouter returns a new Router instance.
func NewRouter() *Router { return &Router{} }

// Register registers a handler for a path pattern like "bus/{id}/list".
func (r *Router) Register(pattern string, handler HandlerFunc) {
	r.routes = append(r.routes, routeEntry{pattern: newRoutePattern(pattern), handler: handler})
}

// RegisterStream registers a StreamHandler for long-lived TCP connections.
func (r *Router) RegisterStream(pattern string, handler StreamHandlerFunc) {
	r.streamRoutes = append(r.streamRoutes, streamRouteEntry{pattern: newRoutePattern(pattern), handler: handler})
}

// Match returns the HandlerFunc and params if the given path matches any
// registered pattern. Returns nil if none match.
func (r *Router) Match(path string) (HandlerFunc, map[string]string) {
	parts := strings.Split(strings.ToLower(path), "/")
	for _, rt := range r.routes {
		if params, ok := rt.pattern.match(parts); ok {
			return rt.handler, params
		}
	}
	return nil, nil
}

// MatchStream returns the StreamHandler and params if the given path matches
// any registered stream pattern. Returns nil if none match.
func (r *Router) MatchStream(path string) (StreamHandlerFunc, map[string]string) {
	parts := strings.Split(strings.ToLower(path), "/")
	for _, rt := range r.streamRoutes {
		if params, ok := rt.pattern.match(parts); ok {
			return rt.handler, params
		}
	}
	return nil, nil
}
