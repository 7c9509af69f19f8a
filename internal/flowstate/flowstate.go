// Package flowstate issues and redeems the OAuth state parameter that ties an
// authorization redirect back to the flow that started it
package flowstate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidState indicates a missing, forged or already redeemed state
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrStateExpired indicates the state outlived its flow
	ErrStateExpired = errors.New("oauth state expired")
)

const keyInfo = "oauth2-account-manager flow state v1"

// Store tracks outstanding flow identifiers
type Store interface {
	// SaveState records an outstanding flow identifier with expiry
	SaveState(ctx context.Context, id string, expiresIn time.Duration) error

	// ConsumeState removes the identifier, failing with ErrInvalidState if it is unknown
	ConsumeState(ctx context.Context, id string) error

	// CheckHealth verifies the store is operational
	CheckHealth(ctx context.Context) error
}

// Manager issues signed, single-use state tokens
type Manager struct {
	store     Store
	key       []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewManager derives the signing key from secret and returns a Manager
func NewManager(store Store, secret []byte, expiresIn time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("flow state secret is required")
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving flow state key: %w", err)
	}

	return &Manager{
		store:     store,
		key:       key,
		expiresIn: expiresIn,
		now:       time.Now,
	}, nil
}

// Issue creates and stores a new state token
func (m *Manager) Issue(ctx context.Context) (string, error) {
	id, err := ulid.New(ulid.Timestamp(m.now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generating flow id: %w", err)
	}

	if err := m.store.SaveState(ctx, id.String(), m.expiresIn); err != nil {
		return "", fmt.Errorf("saving flow id: %w", err)
	}

	return id.String() + "." + base64.RawURLEncoding.EncodeToString(m.sign(id.String())), nil
}

// Redeem verifies a token and marks it used
func (m *Manager) Redeem(ctx context.Context, token string) error {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || id == "" || sig == "" {
		return ErrInvalidState
	}

	actual, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(m.sign(id), actual) {
		return ErrInvalidState
	}

	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return ErrInvalidState
	}
	if m.now().After(ulid.Time(parsed.Time()).Add(m.expiresIn)) {
		return ErrStateExpired
	}

	if err := m.store.ConsumeState(ctx, id); err != nil {
		return fmt.Errorf("redeeming flow id: %w", err)
	}

	return nil
}

// CheckHealth verifies the flow state manager is operational
func (m *Manager) CheckHealth(ctx context.Context) error {
	if err := m.store.CheckHealth(ctx); err != nil {
		return fmt.Errorf("flow state store health check failed: %w", err)
	}
	return nil
}

func (m *Manager) sign(id string) []byte {
	h := hmac.New(sha256.New, m.key)
	h.Write([]byte(id))
	return h.Sum(nil)
}
