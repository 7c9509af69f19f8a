package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const sessionVersion = 1

// keycloakSession is the serialized form of a keycloakClient
type keycloakSession struct {
	Version      int                         `json:"version"`
	Token        *oauth2.Token               `json:"token,omitempty"`
	Scopes       []string                    `json:"scopes,omitempty"`
	Pending      *pendingFlow                `json:"pending,omitempty"`
	AccessTokens map[string]*AccessTokenInfo `json:"access_tokens,omitempty"`
	Profile      *Profile                    `json:"profile,omitempty"`
	Device       *Device                     `json:"device,omitempty"`
	Commands     []DeviceCommand             `json:"commands,omitempty"`
}

type pendingFlow struct {
	State    string   `json:"state"`
	Verifier string   `json:"verifier"`
	Scopes   []string `json:"scopes"`
}

// keycloakClient is one account session against a Keycloak realm
type keycloakClient struct {
	p  *KeycloakProvider
	mu sync.Mutex
	s  keycloakSession
}

func (c *keycloakClient) BeginOAuthFlow(ctx context.Context, scopes []string) (string, error) {
	authURL, err := c.begin(ctx, scopes)
	if err != nil {
		return "", err
	}
	return authURL.String(), nil
}

// BeginPairingFlow keeps the pairing URL's location and fragment and attaches the OAuth request to it
func (c *keycloakClient) BeginPairingFlow(ctx context.Context, pairingURL string, scopes []string) (string, error) {
	pu, err := url.Parse(pairingURL)
	if err != nil {
		return "", fmt.Errorf("parsing pairing URL: %w", err)
	}

	authURL, err := c.begin(ctx, scopes)
	if err != nil {
		return "", err
	}

	pu.RawQuery = authURL.RawQuery
	return pu.String(), nil
}

func (c *keycloakClient) begin(ctx context.Context, scopes []string) (*url.URL, error) {
	state, err := c.p.states.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("issuing flow state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	raw := c.p.oauthConfig(scopes).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	authURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("building authorization URL: %w", err)
	}

	c.mu.Lock()
	c.s.Pending = &pendingFlow{State: state, Verifier: verifier, Scopes: slices.Clone(scopes)}
	c.mu.Unlock()

	return authURL, nil
}

func (c *keycloakClient) CompleteOAuthFlow(ctx context.Context, code, state string) error {
	c.mu.Lock()
	pending := c.s.Pending
	c.mu.Unlock()

	if pending == nil || pending.State != state {
		return ErrUnknownFlow
	}
	if err := c.p.states.Redeem(ctx, state); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownFlow, err)
	}

	cfg := c.p.oauthConfig(pending.Scopes)
	token, err := cfg.Exchange(c.p.httpContext(ctx), code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return mapExchangeError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Version = sessionVersion
	c.s.Token = token
	c.s.Scopes = pending.Scopes
	c.s.Pending = nil
	c.s.AccessTokens = nil
	c.s.Profile = nil
	return nil
}

func (c *keycloakClient) GetProfile(ctx context.Context, ignoreCache bool) (*Profile, error) {
	c.mu.Lock()
	if !ignoreCache && c.s.Profile != nil {
		profile := *c.s.Profile
		c.mu.Unlock()
		return &profile, nil
	}
	c.mu.Unlock()

	accessToken, err := c.sessionAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var info struct {
		Subject           string `json:"sub"`
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Picture           string `json:"picture"`
	}
	if err := c.p.getJSON(ctx, "userinfo", c.p.userInfoURL, accessToken, &info); err != nil {
		return nil, err
	}

	profile := Profile{
		UID:         info.Subject,
		Email:       info.Email,
		DisplayName: info.Name,
		Avatar:      info.Picture,
	}
	if profile.DisplayName == "" {
		profile.DisplayName = info.PreferredUsername
	}

	c.mu.Lock()
	c.s.Profile = &profile
	c.mu.Unlock()

	out := profile
	return &out, nil
}

// sessionAccessToken returns the session's own access token, refreshing it when expired
func (c *keycloakClient) sessionAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.s.Token
	c.mu.Unlock()

	if token == nil {
		return "", ErrNotSignedIn
	}
	if token.Valid() {
		return token.AccessToken, nil
	}
	if token.RefreshToken == "" {
		return "", ErrUnauthorized
	}

	resp, err := c.p.refreshGrant(ctx, token.RefreshToken, "")
	if err != nil {
		return "", err
	}

	refreshed := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       c.p.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if resp.RefreshToken != "" {
		refreshed.RefreshToken = resp.RefreshToken
	}

	c.mu.Lock()
	c.s.Token = refreshed
	c.mu.Unlock()

	return refreshed.AccessToken, nil
}

func (c *keycloakClient) GetAccessToken(ctx context.Context, scope string) (*AccessTokenInfo, error) {
	c.mu.Lock()
	if cached := c.s.AccessTokens[scope]; !cached.Expired(c.p.now(), tokenLeeway) {
		info := *cached
		c.mu.Unlock()
		return &info, nil
	}
	token := c.s.Token
	c.mu.Unlock()

	if token == nil || token.RefreshToken == "" {
		return nil, ErrNotSignedIn
	}

	resp, err := c.p.refreshGrant(ctx, token.RefreshToken, scope)
	if err != nil {
		return nil, err
	}

	info := &AccessTokenInfo{
		Scope:     scope,
		Token:     resp.AccessToken,
		ExpiresAt: c.p.now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	c.mu.Lock()
	if c.s.AccessTokens == nil {
		c.s.AccessTokens = make(map[string]*AccessTokenInfo)
	}
	c.s.AccessTokens[scope] = info
	if resp.RefreshToken != "" && c.s.Token != nil {
		rotated := *c.s.Token
		rotated.RefreshToken = resp.RefreshToken
		c.s.Token = &rotated
	}
	c.mu.Unlock()

	out := *info
	return &out, nil
}

func (c *keycloakClient) CheckAuthorizationStatus(ctx context.Context) (*AuthorizationInfo, error) {
	c.mu.Lock()
	token := c.s.Token
	c.mu.Unlock()

	if token == nil || token.RefreshToken == "" {
		return &AuthorizationInfo{Active: false}, nil
	}

	active, err := c.p.introspect(ctx, token.RefreshToken, "refresh_token")
	if err != nil {
		return nil, err
	}
	return &AuthorizationInfo{Active: active}, nil
}

func (c *keycloakClient) ClearAccessTokenCache() {
	c.mu.Lock()
	c.s.AccessTokens = nil
	c.mu.Unlock()
}

// Disconnect revokes the refresh token; local credentials are dropped even if revocation fails
func (c *keycloakClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	token := c.s.Token
	c.s.Token = nil
	c.s.Scopes = nil
	c.s.Pending = nil
	c.s.AccessTokens = nil
	c.s.Profile = nil
	c.s.Device = nil
	c.s.Commands = nil
	c.mu.Unlock()

	if token == nil || token.RefreshToken == "" {
		return nil
	}
	return c.p.revoke(ctx, token.RefreshToken, "refresh_token")
}

func (c *keycloakClient) InitializeDevice(ctx context.Context, name string, typ DeviceType, capabilities []DeviceCapability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.s.Token == nil {
		return ErrNotSignedIn
	}

	id := uuid.NewString()
	if c.s.Device != nil {
		id = c.s.Device.ID
	}
	c.s.Device = &Device{
		ID:              id,
		DisplayName:     name,
		Type:            typ,
		Capabilities:    slices.Clone(capabilities),
		IsCurrentDevice: true,
		LastAccessTime:  c.p.now(),
	}
	return nil
}

func (c *keycloakClient) EnsureCapabilities(ctx context.Context, capabilities []DeviceCapability) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.s.Device == nil {
		return ErrNoDevice
	}
	c.s.Device.Capabilities = slices.Clone(capabilities)
	return nil
}

// keycloakDevice mirrors the account console's DeviceRepresentation
type keycloakDevice struct {
	ID         string `json:"id"`
	OS         string `json:"os"`
	OSVersion  string `json:"osVersion"`
	Browser    string `json:"browser"`
	Device     string `json:"device"`
	LastAccess int64  `json:"lastAccess"`
	Current    bool   `json:"current"`
	Mobile     bool   `json:"mobile"`
}

func (c *keycloakClient) FetchDevices(ctx context.Context) ([]Device, error) {
	accessToken, err := c.sessionAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var remote []keycloakDevice
	if err := c.p.getJSON(ctx, "devices", c.p.devicesURL, accessToken, &remote); err != nil {
		return nil, err
	}

	c.mu.Lock()
	local := c.s.Device
	c.mu.Unlock()

	devices := make([]Device, 0, len(remote)+1)
	sawCurrent := false
	for _, rd := range remote {
		d := Device{
			ID:              rd.ID,
			DisplayName:     rd.Device,
			Type:            DeviceTypeDesktop,
			IsCurrentDevice: rd.Current,
			LastAccessTime:  time.Unix(rd.LastAccess, 0).UTC(),
		}
		if d.DisplayName == "" {
			d.DisplayName = rd.OS
		}
		if rd.Mobile {
			d.Type = DeviceTypeMobile
		}
		if rd.Current && local != nil {
			d.DisplayName = local.DisplayName
			d.Type = local.Type
			d.Capabilities = slices.Clone(local.Capabilities)
			sawCurrent = true
		}
		devices = append(devices, d)
	}
	if !sawCurrent && local != nil {
		d := *local
		d.Capabilities = slices.Clone(local.Capabilities)
		devices = append(devices, d)
	}

	return devices, nil
}

func (c *keycloakClient) PollDeviceCommands(ctx context.Context) ([]DeviceCommand, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.s.Device == nil {
		return nil, ErrNoDevice
	}
	commands := c.s.Commands
	c.s.Commands = nil
	return commands, nil
}

// pushMessage is the JSON envelope delivered by the push service
type pushMessage struct {
	Type     AccountEventKind `json:"type"`
	Command  *DeviceCommand   `json:"command,omitempty"`
	DeviceID string           `json:"device_id,omitempty"`
}

func (c *keycloakClient) HandlePushMessage(ctx context.Context, payload []byte) ([]AccountEvent, error) {
	var msg pushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPushMessage, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case EventCommandReceived:
		if msg.Command == nil || msg.Command.Name == "" {
			return nil, fmt.Errorf("%w: command is missing", ErrInvalidPushMessage)
		}
		c.s.Commands = append(c.s.Commands, *msg.Command)
		cmd := *msg.Command
		return []AccountEvent{{Kind: EventCommandReceived, Command: &cmd}}, nil

	case EventProfileUpdated:
		c.s.Profile = nil
		return []AccountEvent{{Kind: EventProfileUpdated}}, nil

	case EventAccountDestroyed:
		return []AccountEvent{{Kind: EventAccountDestroyed}}, nil

	case EventDeviceDisconnected:
		local := c.s.Device != nil && c.s.Device.ID == msg.DeviceID
		return []AccountEvent{{Kind: EventDeviceDisconnected, DeviceID: msg.DeviceID, IsLocalDevice: local}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPushMessage, msg.Type)
	}
}

func (c *keycloakClient) ToJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.s
	s.Version = sessionVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling session state: %w", err)
	}
	return data, nil
}
