package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/wrale/oauth2-account-manager/internal/flowstate"
)

const (
	// Keycloak endpoint paths
	authPath        = "/protocol/openid-connect/auth"
	tokenPath       = "/protocol/openid-connect/token"
	tokenInfoPath   = "/protocol/openid-connect/token/introspect"
	revocationPath  = "/protocol/openid-connect/revoke"
	userInfoPath    = "/protocol/openid-connect/userinfo"
	devicesPath     = "/account/sessions/devices"
	healthCheckPath = "/.well-known/openid-configuration"

	// HTTP request timeouts
	defaultTimeout = 10 * time.Second

	// Cached access tokens are refreshed this long before they expire
	tokenLeeway = time.Minute
)

// KeycloakProvider implements the Provider interface for Keycloak
type KeycloakProvider struct {
	client        *http.Client
	oauth         oauth2.Config
	clientID      string
	clientSecret  string
	tokenURL      string
	tokenInfoURL  string
	revocationURL string
	userInfoURL   string
	devicesURL    string
	healthURL     string
	states        *flowstate.Manager
	logger        *slog.Logger
	now           func() time.Time
}

// KeycloakConfig extends Config with Keycloak-specific settings
type KeycloakConfig struct {
	Config
	Realm string
}

// ProviderOption configures a KeycloakProvider
type ProviderOption func(*KeycloakProvider)

// WithHTTPClient replaces the HTTP client used for provider requests
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *KeycloakProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger used by the provider and its sessions
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *KeycloakProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewKeycloakProvider creates a new Keycloak provider
func NewKeycloakProvider(cfg KeycloakConfig, states *flowstate.Manager, opts ...ProviderOption) (*KeycloakProvider, error) {
	// Validate required fields
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}
	if states == nil {
		return nil, fmt.Errorf("flow state manager is required")
	}

	// Clean and validate base URL
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	// Build realm URL
	realmURL := fmt.Sprintf("%s/realms/%s", baseURL, cfg.Realm)

	p := &KeycloakProvider{
		client: &http.Client{Timeout: defaultTimeout},
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   realmURL + authPath,
				TokenURL:  realmURL + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		tokenURL:      realmURL + tokenPath,
		tokenInfoURL:  realmURL + tokenInfoPath,
		revocationURL: realmURL + revocationPath,
		userInfoURL:   realmURL + userInfoPath,
		devicesURL:    realmURL + devicesPath,
		healthURL:     realmURL + healthCheckPath,
		states:        states,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// NewClient returns a fresh, unauthenticated session
func (p *KeycloakProvider) NewClient() Client {
	return &keycloakClient{p: p}
}

// RestoreClient rebuilds a session from its serialized form
func (p *KeycloakProvider) RestoreClient(data []byte) (Client, error) {
	var s keycloakSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session state: %w", err)
	}
	if s.Version != sessionVersion {
		return nil, fmt.Errorf("unsupported session state version %d", s.Version)
	}
	return &keycloakClient{p: p, s: s}, nil
}

// CheckHealth fetches the realm's discovery document. A realm that answers
// without an issuer is treated as unavailable.
func (p *KeycloakProvider) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return fmt.Errorf("building discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: discovery returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var discovery struct {
		Issuer string `json:"issuer"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&discovery); err != nil || discovery.Issuer == "" {
		return fmt.Errorf("%w: malformed discovery document", ErrProviderUnavailable)
	}
	return nil
}

// oauthConfig returns a copy of the base config requesting scopes
func (p *KeycloakProvider) oauthConfig(scopes []string) *oauth2.Config {
	cfg := p.oauth
	cfg.Scopes = append([]string(nil), scopes...)
	return &cfg
}

// httpContext makes golang.org/x/oauth2 use the provider's HTTP client
func (p *KeycloakProvider) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// tokenResponse is the token endpoint's success body
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// errorResponse is an OAuth error body
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// refreshGrant trades the refresh token for an access token, optionally narrowed to scope
func (p *KeycloakProvider) refreshGrant(ctx context.Context, refreshToken, scope string) (*tokenResponse, error) {
	// Prepare refresh request
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
	}
	if p.clientSecret != "" {
		data.Set("client_secret", p.clientSecret)
	}
	if scope != "" {
		data.Set("scope", scope)
	}

	body, status, err := p.postForm(ctx, p.tokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("sending refresh request: %w", err)
	}

	// Check for error responses
	if status != http.StatusOK {
		return nil, decodeOAuthError("refresh", status, body)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("parsing refresh response: %w", err)
	}
	return &tokenResp, nil
}

// introspect asks the provider whether token is active
func (p *KeycloakProvider) introspect(ctx context.Context, token, hint string) (bool, error) {
	data := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {p.clientID},
		"client_secret":   {p.clientSecret},
	}

	body, status, err := p.postForm(ctx, p.tokenInfoURL, data)
	if err != nil {
		return false, fmt.Errorf("sending token info request: %w", err)
	}
	if status != http.StatusOK {
		return false, decodeOAuthError("introspect", status, body)
	}

	var info struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return false, fmt.Errorf("parsing token info response: %w", err)
	}
	return info.Active, nil
}

// revoke revokes an access or refresh token
func (p *KeycloakProvider) revoke(ctx context.Context, token, hint string) error {
	data := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {p.clientID},
	}
	if p.clientSecret != "" {
		data.Set("client_secret", p.clientSecret)
	}

	body, status, err := p.postForm(ctx, p.revocationURL, data)
	if err != nil {
		return fmt.Errorf("sending revocation request: %w", err)
	}
	if status != http.StatusOK {
		return decodeOAuthError("revoke", status, body)
	}
	return nil
}

// getJSON performs an authenticated GET and decodes the JSON body into v
func (p *KeycloakProvider) getJSON(ctx context.Context, op, endpoint, accessToken string, v any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeOAuthError(op, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing %s response: %w", op, err)
	}
	return nil
}

func (p *KeycloakProvider) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// decodeOAuthError maps a failed provider response to an error,
// folding rejected credentials into ErrUnauthorized
func decodeOAuthError(op string, status int, body []byte) error {
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	if status == http.StatusUnauthorized || errResp.Error == "invalid_grant" || errResp.Error == "invalid_token" {
		if errResp.ErrorDescription != "" {
			return fmt.Errorf("%s: %w: %s", op, ErrUnauthorized, errResp.ErrorDescription)
		}
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	return &Error{
		Op:          op,
		Code:        errResp.Error,
		Description: errResp.ErrorDescription,
		Status:      status,
	}
}

// mapExchangeError converts golang.org/x/oauth2 exchange failures
func mapExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return decodeOAuthError("exchange", status, re.Body)
	}
	return fmt.Errorf("exchanging code: %w", err)
}
