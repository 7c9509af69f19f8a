// Package oauth provides the identity provider client used by the account manager
package oauth

import (
	"context"
	"time"
)

// ProfileScope is the scope requested when re-validating a session
const ProfileScope = "profile"

// Profile holds the cached user profile returned by the provider
type Profile struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// AccessTokenInfo describes a scoped access token
type AccessTokenInfo struct {
	Scope     string    `json:"scope"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token expires before now+leeway
func (t *AccessTokenInfo) Expired(now time.Time, leeway time.Duration) bool {
	if t == nil || t.Token == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(t.ExpiresAt)
}

// AuthorizationInfo is the result of an authorization status check
type AuthorizationInfo struct {
	Active bool `json:"active"`
}

// DeviceType identifies the kind of device registered for the account
type DeviceType string

// Known device types
const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeTV      DeviceType = "tv"
	DeviceTypeVR      DeviceType = "vr"
	DeviceTypeUnknown DeviceType = "unknown"
)

// DeviceCapability is a feature the local device advertises to the others
type DeviceCapability string

// CapabilitySendTab lets other devices send tabs to this one
const CapabilitySendTab DeviceCapability = "sendTab"

// Device is a member of the account's device constellation
type Device struct {
	ID              string             `json:"id"`
	DisplayName     string             `json:"display_name"`
	Type            DeviceType         `json:"type"`
	Capabilities    []DeviceCapability `json:"capabilities,omitempty"`
	IsCurrentDevice bool               `json:"is_current_device"`
	LastAccessTime  time.Time          `json:"last_access_time,omitempty"`
}

// DeviceCommand is a command addressed to the local device
type DeviceCommand struct {
	Name    string `json:"name"`
	Sender  string `json:"sender,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// AccountEventKind names an event decoded from a push message
type AccountEventKind string

// Account events delivered through push messages
const (
	EventCommandReceived    AccountEventKind = "commandReceived"
	EventProfileUpdated     AccountEventKind = "profileUpdated"
	EventAccountDestroyed   AccountEventKind = "accountDestroyed"
	EventDeviceDisconnected AccountEventKind = "deviceDisconnected"
)

// AccountEvent is a decoded push message
type AccountEvent struct {
	Kind          AccountEventKind `json:"kind"`
	Command       *DeviceCommand   `json:"command,omitempty"`
	DeviceID      string           `json:"device_id,omitempty"`
	IsLocalDevice bool             `json:"is_local_device,omitempty"`
}

// Client is a stateful handle on one account session held by the provider.
// Implementations must be safe for concurrent use.
type Client interface {
	// BeginOAuthFlow starts an authorization code flow and returns the URL to visit
	BeginOAuthFlow(ctx context.Context, scopes []string) (string, error)

	// BeginPairingFlow starts a flow authorized by an already signed-in device
	BeginPairingFlow(ctx context.Context, pairingURL string, scopes []string) (string, error)

	// CompleteOAuthFlow exchanges the authorization code for session credentials
	CompleteOAuthFlow(ctx context.Context, code, state string) error

	// GetProfile returns the user's profile, from cache unless ignoreCache is set
	GetProfile(ctx context.Context, ignoreCache bool) (*Profile, error)

	// GetAccessToken returns an access token for the given scope
	GetAccessToken(ctx context.Context, scope string) (*AccessTokenInfo, error)

	// CheckAuthorizationStatus asks the provider whether the session is still active
	CheckAuthorizationStatus(ctx context.Context) (*AuthorizationInfo, error)

	// ClearAccessTokenCache drops all cached scoped access tokens
	ClearAccessTokenCache()

	// Disconnect revokes the session credentials
	Disconnect(ctx context.Context) error

	// InitializeDevice registers the local device record
	InitializeDevice(ctx context.Context, name string, typ DeviceType, capabilities []DeviceCapability) error

	// EnsureCapabilities updates the capabilities of the local device record
	EnsureCapabilities(ctx context.Context, capabilities []DeviceCapability) error

	// FetchDevices lists the devices attached to the account
	FetchDevices(ctx context.Context) ([]Device, error)

	// PollDeviceCommands drains commands queued for the local device
	PollDeviceCommands(ctx context.Context) ([]DeviceCommand, error)

	// HandlePushMessage decodes a push payload into account events
	HandlePushMessage(ctx context.Context, payload []byte) ([]AccountEvent, error)

	// ToJSON serializes the session so it can be restored later
	ToJSON() ([]byte, error)
}

// Provider creates and restores account sessions
type Provider interface {
	// NewClient returns a fresh, unauthenticated session
	NewClient() Client

	// RestoreClient rebuilds a session from ToJSON output
	RestoreClient(data []byte) (Client, error)

	// CheckHealth verifies the provider is accessible
	CheckHealth(ctx context.Context) error
}

// Config holds common OAuth provider configuration
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	RedirectURI  string
}
