// Package router defines the framework-neutral routing contract used by the
// HTTP surface. The gin package provides the implementation.
package router

import (
	"net/http"
	"net/url"
)

// Router registers handlers and serves HTTP.
type Router interface {
	GET(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	POST(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	PUT(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	DELETE(path string, handler HandlerFunc, middleware ...MiddlewareFunc)

	// Handle registers a handler for an arbitrary method.
	Handle(method, path string, handler HandlerFunc, middleware ...MiddlewareFunc)

	// Group creates a route group with common prefix and middleware.
	Group(prefix string, middleware ...MiddlewareFunc) Router

	// Use applies middleware to every route registered afterwards.
	Use(middleware ...MiddlewareFunc)

	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// HandlerFunc handles one request. A returned error that was not written to
// the response becomes a bare 500.
type HandlerFunc func(Context) error

// MiddlewareFunc wraps a HandlerFunc.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Context gives handlers router-agnostic access to the request and response.
type Context interface {
	Request() *http.Request
	SetRequest(r *http.Request)

	Response() ResponseWriter
	SetResponse(w ResponseWriter)

	// Param returns a path parameter (e.g. /places/:id).
	Param(name string) string

	// Query returns the first value of a query parameter.
	Query(name string) string

	// QueryValues returns every query parameter, repeated keys included.
	QueryValues() url.Values

	// Bind decodes a JSON request body into v.
	Bind(v any) error

	JSON(code int, v any) error
	String(code int, s string) error

	Get(key string) any
	Set(key string, value any)
}

// ResponseWriter tracks the written status.
type ResponseWriter interface {
	http.ResponseWriter

	// Status returns the status code written, 200 when none was written yet.
	Status() int

	Written() bool
}

// Route is one entry of an explicit route table.
type Route struct {
	Method     string
	Path       string
	Middleware []MiddlewareFunc
	Handler    HandlerFunc
}

// RouteKey holds the matched route pattern, e.g. "/api/places/:id".
const RouteKey = "route"

// Register adds every route of table to r in order. Each handler sees its
// route pattern under RouteKey.
func Register(r Router, table []Route) {
	for _, route := range table {
		pattern := route.Path
		tag := func(next HandlerFunc) HandlerFunc {
			return func(c Context) error {
				c.Set(RouteKey, pattern)
				return next(c)
			}
		}
		mw := append([]MiddlewareFunc{tag}, route.Middleware...)
		r.Handle(route.Method, route.Path, route.Handler, mw...)
	}
}
