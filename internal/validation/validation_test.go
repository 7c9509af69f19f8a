package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
		errMsg  string
	}{
		{name: "valid", scopes: []string{"openid", "profile"}},
		{name: "url scope", scopes: []string{"https://identity.example.com/apps/sync"}},
		{name: "empty list", scopes: nil, wantErr: true, errMsg: "at least one scope"},
		{name: "empty scope", scopes: []string{"openid", ""}, wantErr: true, errMsg: "must not be empty"},
		{name: "space inside scope", scopes: []string{"open id"}, wantErr: true, errMsg: "not allowed"},
		{name: "double quote", scopes: []string{`pro"file`}, wantErr: true, errMsg: "not allowed"},
		{name: "backslash", scopes: []string{`pro\file`}, wantErr: true, errMsg: "not allowed"},
		{name: "non-ascii", scopes: []string{"profilé"}, wantErr: true, errMsg: "not allowed"},
		{name: "duplicate", scopes: []string{"profile", "profile"}, wantErr: true, errMsg: "duplicate"},
		{name: "too long", scopes: []string{strings.Repeat("a", MaxScopeLength+1)}, wantErr: true, errMsg: "at most"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			checkValidationError(t, err, tt.wantErr, tt.errMsg)
		})
	}
}

func TestValidateDeviceName(t *testing.T) {
	tests := []struct {
		name    string
		device  string
		wantErr bool
		errMsg  string
	}{
		{name: "valid", device: "Work laptop"},
		{name: "unicode", device: "Ordinateur de Zoé"},
		{name: "max length", device: strings.Repeat("é", MaxDeviceNameLength)},
		{name: "blank", device: "   ", wantErr: true, errMsg: "blank"},
		{name: "too long", device: strings.Repeat("a", MaxDeviceNameLength+1), wantErr: true, errMsg: "at most"},
		{name: "control character", device: "laptop\n", wantErr: true, errMsg: "control"},
		{name: "invalid utf8", device: "lap\xfftop", wantErr: true, errMsg: "UTF-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDeviceName(tt.device)
			checkValidationError(t, err, tt.wantErr, tt.errMsg)
		})
	}
}

func TestValidatePairingURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
		errMsg  string
	}{
		{name: "valid", url: "https://accounts.example.com/pair#channel_id=abc&channel_key=def"},
		{name: "loopback http", url: "http://127.0.0.1:8080/pair#channel_id=abc&channel_key=def"},
		{name: "localhost http", url: "http://localhost/pair#channel_id=abc&channel_key=def"},
		{name: "remote http", url: "http://accounts.example.com/pair#channel_id=abc&channel_key=def", wantErr: true, errMsg: "loopback"},
		{name: "other scheme", url: "ftp://accounts.example.com/pair#channel_id=abc&channel_key=def", wantErr: true, errMsg: "scheme"},
		{name: "relative", url: "/pair#channel_id=abc&channel_key=def", wantErr: true, errMsg: "absolute"},
		{name: "missing channel id", url: "https://accounts.example.com/pair#channel_key=def", wantErr: true, errMsg: PairingChannelID},
		{name: "missing channel key", url: "https://accounts.example.com/pair#channel_id=abc", wantErr: true, errMsg: PairingChannelKey},
		{name: "no fragment", url: "https://accounts.example.com/pair", wantErr: true, errMsg: "fragment"},
		{name: "malformed fragment", url: "https://accounts.example.com/pair#channel_id=abc;channel_key=def", wantErr: true, errMsg: "malformed"},
		{name: "unparseable", url: "https://[::1", wantErr: true, errMsg: "valid URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePairingURL(tt.url)
			checkValidationError(t, err, tt.wantErr, tt.errMsg)
		})
	}
}

func checkValidationError(t *testing.T, err error, wantErr bool, errMsg string) {
	t.Helper()
	if (err != nil) != wantErr {
		t.Fatalf("error = %v, wantErr %v", err, wantErr)
	}
	if err == nil {
		return
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %T is not a *ValidationError", err)
	}
	if !strings.Contains(err.Error(), errMsg) {
		t.Errorf("error = %q, want it to contain %q", err.Error(), errMsg)
	}
}
