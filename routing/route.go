// Package routing holds the gateway's route table and the dispatcher
// that composes the per-request middleware chain: correlation id, auth
// check, rate limit, circuit check and finally the proxy call.
package routing

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shoplane/gateway/ratelimit"
)

// ServiceRoute is one static route table entry, binding a path prefix
// to a logical backend service. The table is built once at startup and
// read-only afterwards, so no locking is needed on the request path.
type ServiceRoute struct {

	// Name is the logical service name, e.g. "cart".
	Name string

	// PathPrefix matches inbound request paths. Defaults to "/"+Name.
	PathPrefix string

	// Upstream is the base URL of the backend service.
	Upstream *url.URL

	// Timeout bounds the upstream call of this route.
	Timeout time.Duration

	// RequiresAuth makes the dispatcher reject requests without a
	// verified identity.
	RequiresAuth bool

	// RateLimit of this route. The empty settings mean no limit.
	RateLimit ratelimit.Settings
}

type routeTable struct {
	routes []*ServiceRoute
}

func newRouteTable(routes []*ServiceRoute) (*routeTable, error) {
	seen := make(map[string]bool)
	for _, rt := range routes {
		if rt.Name == "" {
			return nil, fmt.Errorf("route without a service name")
		}

		if rt.Upstream == nil {
			return nil, fmt.Errorf("route %s: missing upstream URL", rt.Name)
		}

		if rt.PathPrefix == "" {
			rt.PathPrefix = "/" + rt.Name
		}

		if !rt.RateLimit.Empty() && rt.RateLimit.Group == "" {
			rt.RateLimit.Group = rt.Name
		}

		if !strings.HasPrefix(rt.PathPrefix, "/") {
			return nil, fmt.Errorf("route %s: path prefix must start with /", rt.Name)
		}

		rt.PathPrefix = strings.TrimSuffix(rt.PathPrefix, "/")
		if seen[rt.PathPrefix] {
			return nil, fmt.Errorf("route %s: duplicate path prefix %s", rt.Name, rt.PathPrefix)
		}

		seen[rt.PathPrefix] = true
	}

	sorted := make([]*ServiceRoute, len(routes))
	copy(sorted, routes)

	// longest prefix wins
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})

	return &routeTable{routes: sorted}, nil
}

// lookup returns the matching route and the inbound path relative to
// the route prefix. The relative path is "/" when the request hits the
// bare prefix.
func (t *routeTable) lookup(path string) (*ServiceRoute, string) {
	for _, rt := range t.routes {
		if path == rt.PathPrefix {
			return rt, "/"
		}

		if strings.HasPrefix(path, rt.PathPrefix+"/") {
			return rt, path[len(rt.PathPrefix):]
		}
	}

	return nil, ""
}
