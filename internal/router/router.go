// Package router resolves client startup parameters to a route, owns each
// route's backend connection pool, and tracks which server a live client
// session currently leases so a cancel request can reach it.
package router

import (
	"log"

	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/pkg/route"
)

// ResolveStatus classifies the outcome of resolving a client's startup
// parameters to a route. Admission limiting (the "LIMIT" case of the
// original four-way routing contract) is not decided at this stage: this
// proxy has no route-independent connection ceiling to check before a
// pool is even chosen, only per-route pool capacity, which attach-time
// admission already enforces (see AdmissionError). A route that is found
// but whose pool later refuses to admit the session surfaces as an
// attach-time failure, not as a ResolveStatus.
type ResolveStatus int

const (
	ResolveOK ResolveStatus = iota
	ResolveNotFound
)

// Router resolves a client's startup parameters to a target route. Lookup
// is primarily by database name, since that is the one parameter every
// PostgreSQL startup message always carries; a lone configured route acts
// as the default for any database name.
type Router struct {
	cfg *config.Config

	byDatabase map[string]*route.Config
	byID       map[string]*route.Config

	defaultRoute *route.Config
}

// NewRouter builds the lookup tables from the loaded configuration.
func NewRouter(cfg *config.Config) *Router {
	r := &Router{
		cfg:        cfg,
		byDatabase: make(map[string]*route.Config, len(cfg.Routes)),
		byID:       make(map[string]*route.Config, len(cfg.Routes)),
	}

	seenDBs := make(map[string]int)
	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		r.byID[rt.ID] = rt
		seenDBs[rt.Database]++
	}
	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		if seenDBs[rt.Database] == 1 {
			r.byDatabase[rt.Database] = rt
		}
	}

	if len(cfg.Routes) == 1 {
		r.defaultRoute = &cfg.Routes[0]
	}

	log.Printf("[router] initialized: %d routes, %d unique databases", len(cfg.Routes), len(r.byDatabase))
	return r
}

// Resolve maps a client's startup parameters to a route. Returns
// ResolveNotFound if no route matches and there is no single default
// route.
func (r *Router) Resolve(params map[string]string) (*route.Config, ResolveStatus) {
	if database := params["database"]; database != "" {
		if rt, ok := r.byDatabase[database]; ok {
			return rt, ResolveOK
		}
		if rt, ok := r.byID[database]; ok {
			return rt, ResolveOK
		}
	}

	if r.defaultRoute != nil {
		return r.defaultRoute, ResolveOK
	}

	return nil, ResolveNotFound
}

// RouteByID looks up a route by its configured ID.
func (r *Router) RouteByID(id string) (*route.Config, bool) {
	rt, ok := r.byID[id]
	return rt, ok
}

// Routes returns all configured routes.
func (r *Router) Routes() []route.Config {
	return r.cfg.Routes
}
