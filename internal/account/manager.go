// Package account manages the lifecycle of a user's session against an
// OAuth identity provider.
//
// A Manager owns a single state machine. Every transition, and every call
// that depends on the current session, runs on one serial lane; storage
// writes and observer notifications run on lanes of their own. Reads such
// as HasAccount and AccountProfile load an immutable snapshot and never
// wait for the state lane.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
	"github.com/wrale/oauth2-account-manager/internal/validation"
)

// Storage persists the serialized session. Read returns nil, nil when
// nothing is stored.
type Storage interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

// snapshot is the read-only view published after every transition
type snapshot struct {
	state         State
	profile       *oauth.Profile
	constellation *DeviceConstellation
}

// Manager is the single authority over the account session
type Manager struct {
	provider oauth.Provider
	storage  Storage
	logger   *slog.Logger
	metrics  *Metrics
	scopes   []string
	device   DeviceConfig

	stateLane   *lane
	persistLane *lane
	notifyLane  *lane
	observers   observerSet
	closeOnce   sync.Once

	// owned by the state lane
	state            State
	account          *Account
	profile          *oauth.Profile
	constellation    *DeviceConstellation
	pendingAuthState string

	current atomic.Pointer[snapshot]
}

// NewManager creates a Manager in the start state. Call Initialize before
// any other operation.
func NewManager(provider oauth.Provider, storage Storage, opts ...Option) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}

	m := &Manager{
		provider: provider,
		storage:  storage,
		logger:   slog.Default(),
		scopes:   slices.Clone(defaultScopes),
		device:   defaultDevice,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := validation.ValidateScopes(m.scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}
	if err := validation.ValidateDeviceName(m.device.Name); err != nil {
		return nil, fmt.Errorf("invalid device: %w", err)
	}

	m.stateLane = newLane("state", m.logger)
	m.persistLane = newLane("persist", m.logger)
	m.notifyLane = newLane("notify", m.logger)
	m.publish()

	return m, nil
}

// Initialize restores a persisted session, or prepares a fresh one
func (m *Manager) Initialize(ctx context.Context) error {
	return m.processEvent(ctx, Event{Kind: EventInitialize})
}

// HasAccount reports whether a signed-in session exists, including one
// that needs re-authentication
func (m *Manager) HasAccount() bool {
	return m.current.Load().state.authenticated()
}

// AccountNeedsReauth reports whether the provider no longer accepts the session
func (m *Manager) AccountNeedsReauth() bool {
	return m.current.Load().state == AuthenticationProblem
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	return m.current.Load().state
}

// AccountProfile returns a copy of the cached profile, or nil
func (m *Manager) AccountProfile() *oauth.Profile {
	p := m.current.Load().profile
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

// DeviceConstellation returns the constellation of the signed-in session, or nil
func (m *Manager) DeviceConstellation() *DeviceConstellation {
	return m.current.Load().constellation
}

// BeginAuthentication starts an authorization flow and returns the URL the
// user must visit. It replaces any flow begun earlier. It fails with
// ErrAlreadySignedIn unless the account is signed out or needs
// re-authentication.
func (m *Manager) BeginAuthentication(ctx context.Context) (string, error) {
	m.requireSession("BeginAuthentication")

	return runJob(ctx, m, func(ctx context.Context) (string, error) {
		if !m.acceptsSignIn() {
			return "", ErrAlreadySignedIn
		}
		authURL, err := m.account.BeginOAuthFlow(ctx, m.scopes)
		if err != nil {
			return "", fmt.Errorf("beginning oauth flow: %w", err)
		}
		if err := m.rememberAuthState(authURL); err != nil {
			return "", err
		}
		return authURL, nil
	})
}

// BeginPairingAuthentication starts a flow approved by another signed-in
// device through pairingURL
func (m *Manager) BeginPairingAuthentication(ctx context.Context, pairingURL string) (string, error) {
	m.requireSession("BeginPairingAuthentication")

	if err := validation.ValidatePairingURL(pairingURL); err != nil {
		return "", err
	}

	return runJob(ctx, m, func(ctx context.Context) (string, error) {
		if !m.acceptsSignIn() {
			return "", ErrAlreadySignedIn
		}
		authURL, err := m.account.BeginPairingFlow(ctx, pairingURL, m.scopes)
		if err != nil {
			return "", fmt.Errorf("beginning pairing flow: %w", err)
		}
		if err := m.rememberAuthState(authURL); err != nil {
			return "", err
		}
		return authURL, nil
	})
}

// FinishAuthentication completes the flow identified by data.State.
// The flow is consumed even when it fails with ErrAlreadySignedIn.
func (m *Manager) FinishAuthentication(ctx context.Context, data AuthData) error {
	_, err := runJob(ctx, m, func(ctx context.Context) (struct{}, error) {
		switch {
		case m.pendingAuthState == "":
			return struct{}{}, ErrNoExistingAuthFlow
		case data.State != m.pendingAuthState:
			return struct{}{}, ErrWrongAuthFlow
		}
		m.pendingAuthState = ""
		if !m.acceptsSignIn() {
			return struct{}{}, ErrAlreadySignedIn
		}
		m.process(context.WithoutCancel(ctx), Event{Kind: EventAuthenticated, Auth: data})
		return struct{}{}, nil
	})
	return err
}

// GetAccessToken returns an access token for scope
func (m *Manager) GetAccessToken(ctx context.Context, scope string) (*oauth.AccessTokenInfo, error) {
	m.requireSession("GetAccessToken")

	if err := validation.ValidateScopes([]string{scope}); err != nil {
		return nil, err
	}

	return runJob(ctx, m, func(ctx context.Context) (*oauth.AccessTokenInfo, error) {
		return m.account.GetAccessToken(ctx, scope)
	})
}

// RefreshProfile refetches the profile from the provider
func (m *Manager) RefreshProfile(ctx context.Context) error {
	return m.processEvent(ctx, Event{Kind: EventFetchProfile})
}

// Logout disconnects the session and clears everything stored for it
func (m *Manager) Logout(ctx context.Context) error {
	return m.processEvent(ctx, Event{Kind: EventLogout})
}

// HandlePushMessage hands a push payload to the device constellation and
// reacts to the account events it carries
func (m *Manager) HandlePushMessage(ctx context.Context, payload []byte) error {
	m.requireSession("HandlePushMessage")

	_, err := runJob(ctx, m, func(ctx context.Context) (struct{}, error) {
		if m.constellation == nil {
			return struct{}{}, ErrNoConstellation
		}
		events, err := m.constellation.HandlePushMessage(ctx, payload)
		if err != nil {
			return struct{}{}, fmt.Errorf("handling push message: %w", err)
		}

		ctx = context.WithoutCancel(ctx)
		for _, ev := range events {
			m.logger.Debug("push event received", "kind", ev.Kind, "device_id", ev.DeviceID)
			switch {
			case ev.Kind == oauth.EventProfileUpdated:
				m.process(ctx, Event{Kind: EventFetchProfile})
			case ev.Kind == oauth.EventAccountDestroyed,
				ev.Kind == oauth.EventDeviceDisconnected && ev.IsLocalDevice:
				m.process(ctx, Event{Kind: EventLogout})
			}
		}
		return struct{}{}, nil
	})
	return err
}

// PollDeviceCommands drains the commands pushed to the local device since
// the last poll. The drained session is persisted.
func (m *Manager) PollDeviceCommands(ctx context.Context) ([]oauth.DeviceCommand, error) {
	m.requireSession("PollDeviceCommands")

	return runJob(ctx, m, func(ctx context.Context) ([]oauth.DeviceCommand, error) {
		if m.constellation == nil {
			return nil, ErrNoConstellation
		}
		commands, err := m.constellation.pollCommands(ctx)
		if err != nil {
			return nil, fmt.Errorf("polling device commands: %w", err)
		}
		return commands, nil
	})
}

// Subscribe registers obs and returns a function that removes it.
// Observers are called one at a time, in the order notifications were raised.
func (m *Manager) Subscribe(obs Observer) func() {
	return m.observers.add(obs)
}

// Close waits for queued work to finish and stops the manager's lanes
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.stateLane.close()
		m.persistLane.close()
		m.notifyLane.close()
	})
}

// requireSession panics when called before Initialize has assigned a session
func (m *Manager) requireSession(op string) {
	if m.current.Load().state == Start {
		panic("account: " + op + " called before Initialize completed")
	}
}

// acceptsSignIn reports whether the current state takes an authenticated
// event. It must run on the state lane.
func (m *Manager) acceptsSignIn() bool {
	_, ok := nextState(m.state, EventAuthenticated)
	return ok
}

// rememberAuthState records the state parameter of authURL as the pending flow
func (m *Manager) rememberAuthState(authURL string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return fmt.Errorf("parsing authorization URL: %w", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		return errors.New("authorization URL has no state parameter")
	}
	m.pendingAuthState = state
	return nil
}

// processEvent runs event on the state lane and waits for its effect chain
func (m *Manager) processEvent(ctx context.Context, event Event) error {
	_, err := runJob(ctx, m, func(ctx context.Context) (struct{}, error) {
		m.process(context.WithoutCancel(ctx), event)
		return struct{}{}, nil
	})
	return err
}

// fireEvent queues event without waiting for it
func (m *Manager) fireEvent(event Event) {
	if !m.stateLane.submit(func() { m.process(context.Background(), event) }) {
		m.logger.Debug("event dropped after close", "event", event.Kind)
	}
}

// process applies event and every successive event its effects produce.
// It must run on the state lane.
func (m *Manager) process(ctx context.Context, event Event) {
	for {
		from := m.state
		next, ok := nextState(from, event.Kind)
		if !ok {
			m.logger.Warn("discarding invalid event", "state", from, "event", event.Kind)
			m.metrics.discard(from, event.Kind)
			return
		}

		m.state = next
		m.metrics.transition(from, next, event.Kind)
		m.logger.Debug("state transition", "from", from, "to", next, "event", event.Kind)
		m.publish()

		successive, ok := m.effects(ctx, next, event)
		m.publish()
		if !ok {
			return
		}
		event = successive
	}
}

func (m *Manager) publish() {
	m.current.Store(&snapshot{
		state:         m.state,
		profile:       m.profile,
		constellation: m.constellation,
	})
}

// runJob runs fn on the state lane and waits for its result or for ctx to end
func runJob[T any](ctx context.Context, m *Manager, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	job := func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("state job panicked", "panic", p)
				r.err = fmt.Errorf("account: state job panicked: %v", p)
			}
			ch <- r
		}()
		r.v, r.err = fn(ctx)
	}

	var zero T
	if !m.stateLane.submit(job) {
		return zero, ErrClosed
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
