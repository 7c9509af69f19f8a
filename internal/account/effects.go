package account

import (
	"context"
	"errors"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
)

// effects runs the side effects of entering state via event and returns the
// successive event, if any. It must run on the state lane.
func (m *Manager) effects(ctx context.Context, state State, event Event) (Event, bool) {
	switch state {
	case Start:
		if event.Kind == EventInitialize {
			return m.restore(ctx)
		}

	case NotAuthenticated:
		switch event.Kind {
		case EventLogout:
			m.resetAfterLogout(ctx)
		case EventAccountNotFound:
			m.account = m.newAccount(m.provider.NewClient())
		}

	case AuthenticatedNoProfile:
		switch event.Kind {
		case EventAuthenticated:
			return m.onAuthenticated(ctx, event.Auth)
		case EventAccountRestored:
			return m.onRestored(ctx)
		case EventRecoveredFromAuthenticationProblem:
			return m.onRecovered(ctx)
		case EventFetchProfile:
			return m.fetchProfile(ctx)
		}

	case AuthenticatedWithProfile:
		if event.Kind == EventFetchedProfile {
			m.notify(Notification{Kind: AccountProfileUpdate, Profile: m.profile})
		}

	case AuthenticationProblem:
		if event.Kind == EventAuthenticationError {
			return m.checkAuthorization(ctx)
		}
	}

	return Event{}, false
}

func (m *Manager) newAccount(client oauth.Client) *Account {
	return newAccount(client, m.logger, m.metrics, func() {
		m.fireEvent(Event{Kind: EventAuthenticationError})
	})
}

func (m *Manager) restore(ctx context.Context) (Event, bool) {
	notFound := Event{Kind: EventAccountNotFound}

	data, err := m.storage.Read(ctx)
	if err != nil {
		m.logger.Warn("reading persisted session", "error", err)
		return notFound, true
	}
	if data == nil {
		return notFound, true
	}

	client, err := m.provider.RestoreClient(data)
	if err != nil {
		m.logger.Warn("restoring persisted session", "error", err)
		return notFound, true
	}

	m.account = m.newAccount(client)
	m.constellation = newDeviceConstellation(m.account)
	return Event{Kind: EventAccountRestored}, true
}

func (m *Manager) resetAfterLogout(ctx context.Context) {
	if m.account != nil {
		if err := m.account.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnecting session", "error", err)
		}
	}

	m.profile = nil
	m.constellation = nil
	m.pendingAuthState = ""
	m.clearStorage()

	m.account = m.newAccount(m.provider.NewClient())
	m.notify(Notification{Kind: AccountLoggedOut})
}

func (m *Manager) onAuthenticated(ctx context.Context, auth AuthData) (Event, bool) {
	m.account.setPersistCallback(m.persistState)

	if err := m.account.CompleteOAuthFlow(ctx, auth.Code, auth.State); err != nil {
		m.logger.Error("completing oauth flow", "error", err)
	}

	m.constellation = newDeviceConstellation(m.account)
	if err := m.constellation.InitDevice(ctx, m.device.Name, m.device.Type, m.device.Capabilities); err != nil {
		m.logger.Warn("initializing device", "error", err)
	}
	m.refreshConstellation(ctx)

	m.notify(Notification{Kind: AccountAuthenticated, AuthType: auth.AuthType})
	return Event{Kind: EventFetchProfile}, true
}

func (m *Manager) onRestored(ctx context.Context) (Event, bool) {
	m.account.setPersistCallback(m.persistState)

	err := m.constellation.EnsureCapabilities(ctx, m.device.Capabilities)
	if errors.Is(err, oauth.ErrNoDevice) {
		err = m.constellation.InitDevice(ctx, m.device.Name, m.device.Type, m.device.Capabilities)
	}
	if err != nil {
		m.logger.Warn("ensuring device capabilities", "error", err)
	}
	m.refreshConstellation(ctx)

	m.notify(Notification{Kind: AccountAuthenticated, AuthType: AuthTypeExistingAccount})
	return Event{Kind: EventFetchProfile}, true
}

func (m *Manager) onRecovered(ctx context.Context) (Event, bool) {
	m.account.setPersistCallback(m.persistState)

	if m.constellation == nil {
		m.constellation = newDeviceConstellation(m.account)
	}
	if err := m.constellation.InitDevice(ctx, m.device.Name, m.device.Type, m.device.Capabilities); err != nil {
		m.logger.Warn("initializing device", "error", err)
	}

	m.notify(Notification{Kind: AccountAuthenticated, AuthType: AuthTypeRecovered})
	return Event{Kind: EventFetchProfile}, true
}

func (m *Manager) fetchProfile(ctx context.Context) (Event, bool) {
	profile, err := m.account.GetProfile(ctx, true)
	if err != nil {
		m.logger.Warn("fetching profile", "error", err)
		return Event{Kind: EventFailedToFetchProfile}, true
	}
	m.profile = profile
	return Event{Kind: EventFetchedProfile}, true
}

// checkAuthorization decides whether an authentication error is recoverable.
// Any failure counts as an inactive session.
func (m *Manager) checkAuthorization(ctx context.Context) (Event, bool) {
	info, err := m.account.CheckAuthorizationStatus(ctx)
	if err != nil || !info.Active {
		if err != nil {
			m.logger.Warn("checking authorization status", "error", err)
		}
		m.notify(Notification{Kind: AccountAuthProblems})
		return Event{}, false
	}

	m.account.ClearAccessTokenCache(ctx)
	if _, err := m.account.GetAccessToken(ctx, oauth.ProfileScope); err != nil {
		m.logger.Warn("requesting profile token", "error", err)
		m.notify(Notification{Kind: AccountAuthProblems})
		return Event{}, false
	}

	return Event{Kind: EventRecoveredFromAuthenticationProblem}, true
}

// refreshConstellation fetches the device list, logging failures
func (m *Manager) refreshConstellation(ctx context.Context) {
	if err := m.constellation.RefreshState(ctx); err != nil {
		m.logger.Debug("refreshing device constellation", "error", err)
	}
}

// persistState writes data on the persist lane
func (m *Manager) persistState(data []byte) {
	m.persistLane.submit(func() {
		if err := m.storage.Write(context.Background(), data); err != nil {
			m.logger.Error("persisting session state", "error", err)
			m.metrics.persistFailed()
		}
	})
}

// clearStorage clears storage on the persist lane, after any queued writes
func (m *Manager) clearStorage() {
	m.persistLane.submit(func() {
		if err := m.storage.Clear(context.Background()); err != nil {
			m.logger.Error("clearing session state", "error", err)
			m.metrics.persistFailed()
		}
	})
}

// notify delivers n to the current observers on the notify lane
func (m *Manager) notify(n Notification) {
	if n.Profile != nil {
		p := *n.Profile
		n.Profile = &p
	}
	m.metrics.notified(n.Kind)

	observers := m.observers.list()
	m.notifyLane.submit(func() {
		for _, obs := range observers {
			m.deliver(obs, n)
		}
	})
}

func (m *Manager) deliver(obs Observer, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("observer panicked", "kind", n.Kind, "panic", r)
		}
	}()
	obs.OnNotification(n)
}
