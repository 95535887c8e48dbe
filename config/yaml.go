package config

import (
	"fmt"
	"time"

	"github.com/shoplane/gateway/ratelimit"
)

// mirror types with pointer fields so that keys absent from the config
// file do not clobber values already set through flag defaults, and
// durations can be given in the "30s" notation

type yamlConfig struct {
	Address             *string    `yaml:"address"`
	SupportListener     *string    `yaml:"support-listener"`
	DevMode             *bool      `yaml:"dev-mode"`
	JWTSecret           *string    `yaml:"jwt-secret"`
	CORSOrigins         *string    `yaml:"cors-origins"`
	ApplicationLogLevel *string    `yaml:"application-log-level"`
	ApplicationLogJSON  *bool      `yaml:"application-log-json"`
	AccessLogDisabled   *bool      `yaml:"access-log-disabled"`
	BreakerFailures     *int       `yaml:"breaker-failures"`
	BreakerCooldown     *string    `yaml:"breaker-cooldown"`
	TimeoutBackend      *string    `yaml:"timeout-backend"`
	ShutdownGracePeriod *string    `yaml:"shutdown-grace-period"`
	Services            []*Service `yaml:"services"`
}

func parseDuration(name string, value *string, into *time.Duration) error {
	if value == nil {
		return nil
	}

	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}

	*into = d
	return nil
}

func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw yamlConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}

	setString := func(into *string, v *string) {
		if v != nil {
			*into = *v
		}
	}

	setBool := func(into *bool, v *bool) {
		if v != nil {
			*into = *v
		}
	}

	setString(&c.Address, raw.Address)
	setString(&c.SupportListener, raw.SupportListener)
	setString(&c.JWTSecret, raw.JWTSecret)
	setString(&c.CORSOrigins, raw.CORSOrigins)
	setString(&c.ApplicationLogLevel, raw.ApplicationLogLevel)
	setBool(&c.DevMode, raw.DevMode)
	setBool(&c.ApplicationLogJSON, raw.ApplicationLogJSON)
	setBool(&c.AccessLogDisabled, raw.AccessLogDisabled)

	if raw.BreakerFailures != nil {
		c.BreakerFailures = *raw.BreakerFailures
	}

	if raw.Services != nil {
		c.Services = raw.Services
	}

	if err := parseDuration("breaker-cooldown", raw.BreakerCooldown, &c.BreakerCooldown); err != nil {
		return err
	}

	if err := parseDuration("timeout-backend", raw.TimeoutBackend, &c.TimeoutBackend); err != nil {
		return err
	}

	return parseDuration("shutdown-grace-period", raw.ShutdownGracePeriod, &c.ShutdownGracePeriod)
}

func (s *Service) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Name         string             `yaml:"name"`
		URL          string             `yaml:"url"`
		PathPrefix   string             `yaml:"path-prefix"`
		Timeout      *string            `yaml:"timeout"`
		RequiresAuth bool               `yaml:"requires-auth"`
		RateLimit    ratelimit.Settings `yaml:"rate-limit"`
	}

	if err := unmarshal(&raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.URL = raw.URL
	s.PathPrefix = raw.PathPrefix
	s.RequiresAuth = raw.RequiresAuth
	s.RateLimit = raw.RateLimit

	return parseDuration("service timeout", raw.Timeout, &s.Timeout)
}
