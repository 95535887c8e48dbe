// Package config loads the gateway configuration from command line
// flags, an optional YAML file and the environment. Flags win over the
// file; service upstream URLs can additionally be overridden per
// service through <NAME>_SERVICE_URL environment variables, which is
// how deployments wire the gateway to its backends.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/shoplane/gateway/ratelimit"
	"github.com/shoplane/gateway/routing"
)

const jwtSecretEnv = "JWT_SECRET"

// Service configures one logical backend service. YAML decoding goes
// through the mirror types in yaml.go.
type Service struct {
	Name         string
	URL          string
	PathPrefix   string
	Timeout      time.Duration
	RequiresAuth bool
	RateLimit    ratelimit.Settings
}

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	Address             string
	SupportListener     string
	DevMode             bool
	JWTSecret           string
	CORSOrigins         string
	ApplicationLogLevel string
	ApplicationLogJSON  bool
	AccessLogDisabled   bool
	BreakerFailures     int
	BreakerCooldown     time.Duration
	TimeoutBackend      time.Duration
	ShutdownGracePeriod time.Duration
	Services            []*Service
}

// defaultServices lists the platform's backend services with their
// development ports. Production deployments override the URLs through
// the environment or the config file.
func defaultServices() []*Service {
	return []*Service{
		{Name: "auth", URL: "http://localhost:3001", RateLimit: ratelimit.Settings{MaxHits: 30, TimeWindow: time.Minute}},
		{Name: "user", URL: "http://localhost:3002", RequiresAuth: true},
		{Name: "cart", URL: "http://localhost:3003", RequiresAuth: true},
		{Name: "payment", URL: "http://localhost:3004", RequiresAuth: true},
		{Name: "shipping", URL: "http://localhost:3005", RequiresAuth: true},
		{Name: "notification", URL: "http://localhost:3006", RequiresAuth: true},
	}
}

// NewConfig prepares the configuration with the default values and
// registers the flags.
func NewConfig() *Config {
	cfg := new(Config)
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)

	fs.StringVar(&cfg.ConfigFile, "config-file", "", "YAML file to load the configuration from; flags take precedence over the file")
	fs.StringVar(&cfg.Address, "address", ":8080", "address the gateway listens on")
	fs.StringVar(&cfg.SupportListener, "support-listener", ":9911", "address for the support endpoints (metrics); empty disables it")
	fs.BoolVar(&cfg.DevMode, "dev-mode", false, "include stack traces in 500 responses; never enable in production")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret for verifying bearer tokens; "+jwtSecretEnv+" environment variable takes precedence")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma separated list of allowed CORS origins; empty disables CORS headers")
	fs.StringVar(&cfg.ApplicationLogLevel, "application-log-level", "info", "log level of the application log: debug, info, warn or error")
	fs.BoolVar(&cfg.ApplicationLogJSON, "application-log-json", false, "write the application log as JSON")
	fs.BoolVar(&cfg.AccessLogDisabled, "access-log-disabled", false, "do not print the access log")
	fs.IntVar(&cfg.BreakerFailures, "breaker-failures", 0, "consecutive transport failures after which a circuit breaker opens; 0 uses the default")
	fs.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", 0, "time after the last failure before an open breaker admits a trial request; 0 uses the default")
	fs.DurationVar(&cfg.TimeoutBackend, "timeout-backend", 30*time.Second, "default timeout for backend calls, per-service timeouts override it")
	fs.DurationVar(&cfg.ShutdownGracePeriod, "shutdown-grace-period", 20*time.Second, "time in-flight requests get to finish on shutdown")

	cfg.Flags = fs
	return cfg
}

// Parse loads the configuration from the process arguments,
// environment and the optional config file.
func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[1:])
}

func (c *Config) ParseArgs(args []string) error {
	if err := c.Flags.Parse(args); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		if err := yaml.Unmarshal(yamlFile, c); err != nil {
			return fmt.Errorf("invalid config file format: %w", err)
		}

		// reparse the flags so that they win over the file
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}

	if len(c.Services) == 0 {
		c.Services = defaultServices()
	}

	c.applyEnv()
	return c.validate()
}

func envName(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_SERVICE_URL"
}

func (c *Config) applyEnv() {
	if secret := os.Getenv(jwtSecretEnv); secret != "" {
		c.JWTSecret = secret
	}

	for _, s := range c.Services {
		if u := os.Getenv(envName(s.Name)); u != "" {
			s.URL = u
		}
	}
}

func (c *Config) validate() error {
	for _, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("service without a name")
		}

		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %s: invalid upstream URL %q", s.Name, s.URL)
		}
	}

	return nil
}

// AllowedOrigins returns the parsed CORS origin allow-list.
func (c *Config) AllowedOrigins() []string {
	if c.CORSOrigins == "" {
		return nil
	}

	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return origins
}

// Routes builds the route table entries from the configured services.
func (c *Config) Routes() ([]*routing.ServiceRoute, error) {
	routes := make([]*routing.ServiceRoute, 0, len(c.Services))
	for _, s := range c.Services {
		u, err := url.Parse(s.URL)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", s.Name, err)
		}

		timeout := s.Timeout
		if timeout <= 0 {
			timeout = c.TimeoutBackend
		}

		routes = append(routes, &routing.ServiceRoute{
			Name:         s.Name,
			PathPrefix:   s.PathPrefix,
			Upstream:     u,
			Timeout:      timeout,
			RequiresAuth: s.RequiresAuth,
			RateLimit:    s.RateLimit,
		})
	}

	return routes, nil
}
