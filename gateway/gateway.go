// Package gateway assembles the pieces of the API gateway: it builds
// the registries and route table from the configuration, mounts the
// health and diagnostic endpoints next to the dispatcher and runs the
// HTTP server until a termination signal arrives.
package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shoplane/gateway/auth"
	"github.com/shoplane/gateway/circuit"
	"github.com/shoplane/gateway/config"
	"github.com/shoplane/gateway/logging"
	"github.com/shoplane/gateway/metrics"
	"github.com/shoplane/gateway/proxy"
	"github.com/shoplane/gateway/ratelimit"
	"github.com/shoplane/gateway/routing"
)

// Run starts the gateway with the provided configuration and blocks
// until the process receives SIGINT or SIGTERM, after which in-flight
// requests get the configured grace period to finish.
func Run(cfg *config.Config) error {
	logging.Init(logging.Options{
		Level:             cfg.ApplicationLogLevel,
		JSONEnabled:       cfg.ApplicationLogJSON,
		AccessLogDisabled: cfg.AccessLogDisabled,
	})

	m := metrics.New(metrics.Options{EnableRuntimeMetrics: true})

	breakers := circuit.NewRegistry(circuit.Options{
		Failures: cfg.BreakerFailures,
		Cooldown: cfg.BreakerCooldown,
		OnStateChange: func(name string, s circuit.State) {
			m.UpdateBreakerState(name, int(s))
		},
	})

	var verifier *auth.Verifier
	if cfg.JWTSecret == "" {
		log.Warn("no JWT secret configured, all routes are effectively public")
	} else {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	routes, err := cfg.Routes()
	if err != nil {
		return err
	}

	dispatcher, err := routing.New(routing.Options{
		Routes:            routes,
		Verifier:          verifier,
		Limits:            ratelimit.NewRegistry(),
		Breakers:          breakers,
		Proxy:             proxy.WithParams(proxy.Params{Breakers: breakers, Metrics: m}),
		Metrics:           m,
		DevMode:           cfg.DevMode,
		AccessLogDisabled: cfg.AccessLogDisabled,
	})
	if err != nil {
		return err
	}

	health := newHealthHandler(routes, breakers)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.basic)
	mux.HandleFunc("/health/detailed", health.detailed)
	mux.HandleFunc("/circuit-status", health.circuitStatus)
	mux.Handle("/", dispatcher)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: corsHandler(cfg.AllowedOrigins(), mux),
	}

	if cfg.SupportListener != "" {
		supportMux := http.NewServeMux()
		supportMux.Handle("/metrics", m.Handler())

		go func() {
			log.Infof("support listener on %s", cfg.SupportListener)
			if err := http.ListenAndServe(cfg.SupportListener, supportMux); err != nil {
				log.Errorf("support listener failed: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("received %v, draining for up to %s", sig, cfg.ShutdownGracePeriod)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	log.Infof("gateway listening on %s, routing %d services", cfg.Address, len(routes))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}

// uptime anchor of the process, reported by the health endpoint
var startTime = time.Now()
