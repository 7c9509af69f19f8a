package account

import (
	"sync"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
)

// AuthType describes how an account became authenticated
type AuthType string

// Known auth types
const (
	AuthTypeExistingAccount AuthType = "existingAccount"
	AuthTypeSignin          AuthType = "signin"
	AuthTypeSignup          AuthType = "signup"
	AuthTypePairing         AuthType = "pairing"
	AuthTypeRecovered       AuthType = "recovered"
	AuthTypeReconnect       AuthType = "reconnect"
)

// OtherAuthType returns an auth type outside the known set
func OtherAuthType(reason string) AuthType {
	return AuthType("other:" + reason)
}

// NotificationKind names a notification delivered to observers
type NotificationKind string

// Notification kinds
const (
	AccountLoggedOut     NotificationKind = "accountLoggedOut"
	AccountAuthProblems  NotificationKind = "accountAuthProblems"
	AccountAuthenticated NotificationKind = "accountAuthenticated"
	AccountProfileUpdate NotificationKind = "accountProfileUpdate"
)

// Notification is delivered to observers on the notify lane.
// AuthType is set for AccountAuthenticated, Profile for AccountProfileUpdate.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	AuthType AuthType         `json:"auth_type,omitempty"`
	Profile  *oauth.Profile   `json:"profile,omitempty"`
}

// Observer receives account notifications
type Observer interface {
	OnNotification(n Notification)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(n Notification)

func (f ObserverFunc) OnNotification(n Notification) { f(n) }

type observerEntry struct {
	id  int
	obs Observer
}

// observerSet holds observers in registration order
type observerSet struct {
	mu      sync.Mutex
	nextID  int
	entries []observerEntry
}

func (s *observerSet) add(obs Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, observerEntry{id: id, obs: obs})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *observerSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *observerSet) list() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Observer, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.obs
	}
	return out
}
