package account

import (
	"log/slog"
	"slices"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
)

// Option configures the Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the collectors updated by the manager
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithScopes sets the scopes requested when an authorization flow begins
func WithScopes(scopes ...string) Option {
	return func(m *Manager) {
		m.scopes = slices.Clone(scopes)
	}
}

// WithDevice sets the local device record registered after sign-in
func WithDevice(device DeviceConfig) Option {
	return func(m *Manager) {
		device.Capabilities = slices.Clone(device.Capabilities)
		m.device = device
	}
}

var (
	defaultScopes = []string{"openid", oauth.ProfileScope}

	defaultDevice = DeviceConfig{
		Name:         "account-manager",
		Type:         oauth.DeviceTypeDesktop,
		Capabilities: []oauth.DeviceCapability{oauth.CapabilitySendTab},
	}
)
