// Package validation checks the inputs that reach the identity provider
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation settings
const (
	MaxDeviceNameLength = 64  // Maximum device name length in characters
	MaxScopeLength      = 256 // Maximum length of a single scope token
)

// Pairing URL fragment parameters
const (
	PairingChannelID  = "channel_id"
	PairingChannelKey = "channel_key"
)

// ValidationError describes an invalid input
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// ValidateScopes checks each scope against the scope-token grammar of
// RFC 6749 section 3.3 and rejects empty or duplicate scopes
func ValidateScopes(scopes []string) error {
	if len(scopes) == 0 {
		return &ValidationError{Field: "scope", Message: "at least one scope is required"}
	}

	seen := make(map[string]bool, len(scopes))
	for _, scope := range scopes {
		if scope == "" {
			return &ValidationError{Field: "scope", Value: scope, Message: "scope must not be empty"}
		}
		if len(scope) > MaxScopeLength {
			return &ValidationError{Field: "scope", Value: scope, Message: fmt.Sprintf("scope must be at most %d characters", MaxScopeLength)}
		}
		for i := 0; i < len(scope); i++ {
			if !isScopeChar(scope[i]) {
				return &ValidationError{Field: "scope", Value: scope, Message: fmt.Sprintf("character %q is not allowed", scope[i])}
			}
		}
		if seen[scope] {
			return &ValidationError{Field: "scope", Value: scope, Message: "duplicate scope"}
		}
		seen[scope] = true
	}
	return nil
}

// isScopeChar reports whether c is %x21 / %x23-5B / %x5D-7E
func isScopeChar(c byte) bool {
	return c == 0x21 || (c >= 0x23 && c <= 0x5B) || (c >= 0x5D && c <= 0x7E)
}

// ValidateDeviceName checks the display name of the local device
func ValidateDeviceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "device name", Value: name, Message: "name must not be blank"}
	}
	if !utf8.ValidString(name) {
		return &ValidationError{Field: "device name", Value: name, Message: "name must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(name); n > MaxDeviceNameLength {
		return &ValidationError{Field: "device name", Value: name, Message: fmt.Sprintf("name must be at most %d characters", MaxDeviceNameLength)}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "device name", Value: name, Message: "name must not contain control characters"}
		}
	}
	return nil
}

// ValidatePairingURL checks a pairing URL. It must be https, or http on a
// loopback host, and carry the pairing channel in its fragment.
func ValidatePairingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "pairing URL", Value: raw, Message: "not a valid URL"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "pairing URL", Value: raw, Message: "URL must be absolute"}
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return &ValidationError{Field: "pairing URL", Value: raw, Message: "http is only allowed for loopback hosts"}
		}
	default:
		return &ValidationError{Field: "pairing URL", Value: raw, Message: "scheme must be https"}
	}

	channel, err := url.ParseQuery(u.EscapedFragment())
	if err != nil {
		return &ValidationError{Field: "pairing URL", Value: raw, Message: "fragment is malformed"}
	}
	for _, key := range []string{PairingChannelID, PairingChannelKey} {
		if channel.Get(key) == "" {
			return &ValidationError{Field: "pairing URL", Value: raw, Message: fmt.Sprintf("fragment must contain %s", key)}
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
