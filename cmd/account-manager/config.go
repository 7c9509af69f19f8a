package main

import (
	"fmt"
	"time"
)

// Session storage backends
const (
	storeMemory   = "memory"
	storeFile     = "file"
	storeRedis    = "redis"
	storePostgres = "postgres"
)

// Config holds server configuration loaded from environment variables
type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	KeycloakURL          string `envconfig:"KEYCLOAK_URL" required:"true"`
	KeycloakRealm        string `envconfig:"KEYCLOAK_REALM" required:"true"`
	KeycloakClientID     string `envconfig:"KEYCLOAK_CLIENT_ID" required:"true"`
	KeycloakClientSecret string `envconfig:"KEYCLOAK_CLIENT_SECRET"`
	RedirectURL          string `envconfig:"REDIRECT_URL" required:"true"`

	Scopes             []string `envconfig:"SCOPES" default:"openid,profile"`
	DeviceName         string   `envconfig:"DEVICE_NAME" default:"account-manager"`
	DeviceType         string   `envconfig:"DEVICE_TYPE" default:"desktop"`
	DeviceCapabilities []string `envconfig:"DEVICE_CAPABILITIES" default:"sendTab"`

	SessionStore string `envconfig:"SESSION_STORE" default:"memory"`
	SessionKey   string `envconfig:"SESSION_KEY" default:"default"`
	SessionFile  string `envconfig:"SESSION_FILE" default:"account-manager/session.json"`
	RedisURL     string `envconfig:"REDIS_URL"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN"`

	FlowStateSecret string        `envconfig:"FLOW_STATE_SECRET" required:"true"`
	FlowStateTTL    time.Duration `envconfig:"FLOW_STATE_TTL" default:"10m"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// validate checks settings that envconfig tags cannot express
func (c Config) validate() error {
	switch c.SessionStore {
	case storeMemory, storeFile:
	case storeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the %s session store", c.SessionStore)
		}
	case storePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s session store", c.SessionStore)
		}
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}
	if len(c.FlowStateSecret) < 16 {
		return fmt.Errorf("FLOW_STATE_SECRET must be at least 16 bytes")
	}
	return nil
}
