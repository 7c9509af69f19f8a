package account

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
)

// Account wraps an oauth.Client. Every call goes through invoke, which
// raises an authentication error event when the provider rejects the
// session's credentials and persists the session after mutating calls.
type Account struct {
	client      oauth.Client
	logger      *slog.Logger
	metrics     *Metrics
	onAuthError func()

	mu      sync.Mutex
	persist func(data []byte)
}

func newAccount(client oauth.Client, logger *slog.Logger, metrics *Metrics, onAuthError func()) *Account {
	return &Account{
		client:      client,
		logger:      logger,
		metrics:     metrics,
		onAuthError: onAuthError,
	}
}

// setPersistCallback registers the function receiving serialized session state
func (a *Account) setPersistCallback(fn func(data []byte)) {
	a.mu.Lock()
	a.persist = fn
	a.mu.Unlock()
}

// invoke runs fn against the client, applying auth-error interception and,
// when persist is set, persist-on-success
func invoke[T any](ctx context.Context, a *Account, op string, persist bool, fn func(context.Context, oauth.Client) (T, error)) (T, error) {
	v, err := fn(ctx, a.client)
	if err != nil {
		if oauth.IsUnauthorized(err) {
			a.logger.Warn("provider rejected session credentials", "op", op, "error", err)
			if a.onAuthError != nil {
				a.onAuthError()
			}
		}
		return v, err
	}

	if persist {
		a.persistState(op)
	}
	return v, nil
}

func (a *Account) persistState(op string) {
	a.mu.Lock()
	persist := a.persist
	a.mu.Unlock()
	if persist == nil {
		return
	}

	data, err := a.client.ToJSON()
	if err != nil {
		a.logger.Error("serializing session state", "op", op, "error", err)
		a.metrics.persistFailed()
		return
	}
	persist(data)
}

func (a *Account) BeginOAuthFlow(ctx context.Context, scopes []string) (string, error) {
	return invoke(ctx, a, "beginOAuthFlow", false, func(ctx context.Context, c oauth.Client) (string, error) {
		return c.BeginOAuthFlow(ctx, scopes)
	})
}

func (a *Account) BeginPairingFlow(ctx context.Context, pairingURL string, scopes []string) (string, error) {
	return invoke(ctx, a, "beginPairingFlow", false, func(ctx context.Context, c oauth.Client) (string, error) {
		return c.BeginPairingFlow(ctx, pairingURL, scopes)
	})
}

func (a *Account) CompleteOAuthFlow(ctx context.Context, code, state string) error {
	_, err := invoke(ctx, a, "completeOAuthFlow", true, func(ctx context.Context, c oauth.Client) (struct{}, error) {
		return struct{}{}, c.CompleteOAuthFlow(ctx, code, state)
	})
	return err
}

func (a *Account) GetProfile(ctx context.Context, ignoreCache bool) (*oauth.Profile, error) {
	return invoke(ctx, a, "getProfile", true, func(ctx context.Context, c oauth.Client) (*oauth.Profile, error) {
		return c.GetProfile(ctx, ignoreCache)
	})
}

func (a *Account) GetAccessToken(ctx context.Context, scope string) (*oauth.AccessTokenInfo, error) {
	return invoke(ctx, a, "getAccessToken", true, func(ctx context.Context, c oauth.Client) (*oauth.AccessTokenInfo, error) {
		return c.GetAccessToken(ctx, scope)
	})
}

func (a *Account) Disconnect(ctx context.Context) error {
	_, err := invoke(ctx, a, "disconnect", true, func(ctx context.Context, c oauth.Client) (struct{}, error) {
		return struct{}{}, c.Disconnect(ctx)
	})
	return err
}

func (a *Account) CheckAuthorizationStatus(ctx context.Context) (*oauth.AuthorizationInfo, error) {
	return invoke(ctx, a, "checkAuthorizationStatus", false, func(ctx context.Context, c oauth.Client) (*oauth.AuthorizationInfo, error) {
		return c.CheckAuthorizationStatus(ctx)
	})
}

func (a *Account) ClearAccessTokenCache(ctx context.Context) {
	_, _ = invoke(ctx, a, "clearAccessTokenCache", true, func(ctx context.Context, c oauth.Client) (struct{}, error) {
		c.ClearAccessTokenCache()
		return struct{}{}, nil
	})
}

func (a *Account) InitializeDevice(ctx context.Context, name string, typ oauth.DeviceType, capabilities []oauth.DeviceCapability) error {
	_, err := invoke(ctx, a, "initializeDevice", true, func(ctx context.Context, c oauth.Client) (struct{}, error) {
		return struct{}{}, c.InitializeDevice(ctx, name, typ, capabilities)
	})
	return err
}

func (a *Account) EnsureCapabilities(ctx context.Context, capabilities []oauth.DeviceCapability) error {
	_, err := invoke(ctx, a, "ensureCapabilities", true, func(ctx context.Context, c oauth.Client) (struct{}, error) {
		return struct{}{}, c.EnsureCapabilities(ctx, capabilities)
	})
	return err
}

func (a *Account) FetchDevices(ctx context.Context) ([]oauth.Device, error) {
	return invoke(ctx, a, "fetchDevices", false, func(ctx context.Context, c oauth.Client) ([]oauth.Device, error) {
		return c.FetchDevices(ctx)
	})
}

func (a *Account) PollDeviceCommands(ctx context.Context) ([]oauth.DeviceCommand, error) {
	return invoke(ctx, a, "pollDeviceCommands", true, func(ctx context.Context, c oauth.Client) ([]oauth.DeviceCommand, error) {
		return c.PollDeviceCommands(ctx)
	})
}

func (a *Account) HandlePushMessage(ctx context.Context, payload []byte) ([]oauth.AccountEvent, error) {
	return invoke(ctx, a, "handlePushMessage", true, func(ctx context.Context, c oauth.Client) ([]oauth.AccountEvent, error) {
		return c.HandlePushMessage(ctx, payload)
	})
}
