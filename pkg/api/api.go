// Package api is the HTTP surface of the places service: an explicit route
// table mapping requests onto the places and users engines.
package api

import (
	"errors"
	"net/http"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/controller"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/middleware/authenticate"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/server/router"
	"github.com/nimburion/places/pkg/users"
)

// DefaultMaxFormMemory is the part of a multipart form kept in memory;
// larger uploads spill to temporary files.
const DefaultMaxFormMemory = 8 << 20

// Config wires the HTTP handlers.
type Config struct {
	Places   *crud.Engine
	Users    *users.Service
	Verifier auth.Verifier
	Logger   logger.Logger
	// MaxFormMemory defaults to DefaultMaxFormMemory.
	MaxFormMemory int64
}

// Handlers serves the public API.
type Handlers struct {
	places        *crud.Engine
	users         *users.Service
	verifier      auth.Verifier
	log           logger.Logger
	maxFormMemory int64
}

// New validates cfg.
func New(cfg Config) (*Handlers, error) {
	if cfg.Places == nil || cfg.Users == nil {
		return nil, errors.New("api: places and users engines are required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("api: token verifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.MaxFormMemory <= 0 {
		cfg.MaxFormMemory = DefaultMaxFormMemory
	}
	return &Handlers{
		places:        cfg.Places,
		users:         cfg.Users,
		verifier:      cfg.Verifier,
		log:           cfg.Logger,
		maxFormMemory: cfg.MaxFormMemory,
	}, nil
}

// Routes returns the route table. Authentication is optional at the HTTP
// layer; each engine policy decides whether an anonymous caller is allowed.
func (h *Handlers) Routes() []router.Route {
	principal := []router.MiddlewareFunc{authenticate.Optional(h.verifier)}
	return []router.Route{
		{Method: http.MethodGet, Path: "/api/places", Middleware: principal, Handler: h.searchPlaces},
		{Method: http.MethodPost, Path: "/api/places/search", Middleware: principal, Handler: h.searchPlacesBody},
		{Method: http.MethodPost, Path: "/api/places", Middleware: principal, Handler: h.createPlace},
		{Method: http.MethodGet, Path: "/api/places/:id", Middleware: principal, Handler: h.getPlace},
		{Method: http.MethodPut, Path: "/api/places/:id", Middleware: principal, Handler: h.updatePlace},
		{Method: http.MethodDelete, Path: "/api/places/:id", Middleware: principal, Handler: h.deletePlace},

		{Method: http.MethodPost, Path: "/api/users/signup", Middleware: principal, Handler: h.signup},
		{Method: http.MethodPost, Path: "/api/users/login", Handler: h.login},
		{Method: http.MethodGet, Path: "/api/users", Middleware: principal, Handler: h.searchUsers},
		{Method: http.MethodGet, Path: "/api/users/:id", Middleware: principal, Handler: h.getUser},
		{Method: http.MethodPut, Path: "/api/users/:id", Middleware: principal, Handler: h.updateUser},
		{Method: http.MethodDelete, Path: "/api/users/:id", Middleware: principal, Handler: h.deleteUser},
	}
}

// Register adds the route table to r.
func (h *Handlers) Register(r router.Router) {
	router.Register(r, h.Routes())
}

func principalOf(c router.Context) *auth.Principal {
	return auth.PrincipalFrom(c.Request().Context())
}

// search runs a normalized query against engine and writes the page envelope.
func search(c router.Context, engine *crud.Engine, q *query.Query, err error) error {
	if err != nil {
		return controller.Error(c, err)
	}
	page, err := engine.Search(c.Request().Context(), principalOf(c), q)
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Paginated(c, controller.PageResponse{
		Page:       page.Page,
		TotalPages: page.TotalPages,
		TotalCount: page.TotalCount,
		Data:       page.Data,
	})
}

func bindRecord(c router.Context) (crud.Record, error) {
	body := crud.Record{}
	if err := c.Bind(&body); err != nil {
		return nil, apperr.Validation("request body must be a JSON object", nil, err)
	}
	return body, nil
}
