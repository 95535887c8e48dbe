package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shoplane/gateway/circuit"
	"github.com/shoplane/gateway/routing"
)

const probeTimeout = 5 * time.Second

type healthHandler struct {
	routes   []*routing.ServiceRoute
	breakers *circuit.Registry
	client   *http.Client
}

func newHealthHandler(routes []*routing.ServiceRoute, breakers *circuit.Registry) *healthHandler {
	return &healthHandler{
		routes:   routes,
		breakers: breakers,
		client:   &http.Client{},
	}
}

func (h *healthHandler) serviceNames() []string {
	names := make([]string, 0, len(h.routes))
	for _, rt := range h.routes {
		names = append(names, rt.Name)
	}

	return names
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (h *healthHandler) basic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "OK",
		"timestamp": time.Now().Format(time.RFC3339),
		"services":  h.serviceNames(),
		"uptime":    int64(time.Since(startTime).Seconds()),
	})
}

// detailed probes the health endpoint of every configured service
// concurrently and aggregates the outcome. One slow upstream delays
// the response by at most the probe timeout, not by the sum.
func (h *healthHandler) detailed(w http.ResponseWriter, r *http.Request) {
	statuses := make([]string, len(h.routes))

	g, ctx := errgroup.WithContext(r.Context())
	for i, rt := range h.routes {
		i, rt := i, rt
		g.Go(func() error {
			statuses[i] = h.probe(ctx, rt)
			return nil
		})
	}

	g.Wait()

	status := "OK"
	code := http.StatusOK
	serviceStatus := make(map[string]string, len(h.routes))
	for i, rt := range h.routes {
		serviceStatus[rt.Name] = statuses[i]
		if statuses[i] != "HEALTHY" {
			status = "DEGRADED"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":        status,
		"timestamp":     time.Now().Format(time.RFC3339),
		"serviceStatus": serviceStatus,
	})
}

func (h *healthHandler) probe(ctx context.Context, rt *routing.ServiceRoute) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	u := strings.TrimSuffix(rt.Upstream.String(), "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "UNREACHABLE"
	}

	rsp, err := h.client.Do(req)
	if err != nil {
		return "UNREACHABLE"
	}

	defer rsp.Body.Close()
	io.Copy(io.Discard, rsp.Body)

	if rsp.StatusCode != http.StatusOK {
		return fmt.Sprintf("UNHEALTHY (%d)", rsp.StatusCode)
	}

	return "HEALTHY"
}

// circuitStatus dumps the in-memory breaker map, diagnostic only
func (h *healthHandler) circuitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": h.serviceNames(),
		"breakers": h.breakers.Snapshot(),
	})
}
