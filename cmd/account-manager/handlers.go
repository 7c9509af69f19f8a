// Package main implements the account manager daemon
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wrale/oauth2-account-manager/cmd/account-manager/handlers/common"
	"github.com/wrale/oauth2-account-manager/internal/account"
	"github.com/wrale/oauth2-account-manager/internal/oauth"
	"github.com/wrale/oauth2-account-manager/internal/templates"
	"github.com/wrale/oauth2-account-manager/internal/validation"
)

// maxPushPayload bounds POST /account/push bodies
const maxPushPayload = 64 << 10

type statusResponse struct {
	State        string `json:"state"`
	HasAccount   bool   `json:"has_account"`
	NeedsReauth  bool   `json:"needs_reauth"`
	ProfileKnown bool   `json:"profile_known"`
}

type authURLResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

func (s *server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		common.WriteJSON(w, http.StatusOK, statusResponse{
			State:        s.manager.State().String(),
			HasAccount:   s.manager.HasAccount(),
			NeedsReauth:  s.manager.AccountNeedsReauth(),
			ProfileKnown: s.manager.AccountProfile() != nil,
		})
	}
}

func (s *server) handleBeginAuth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := s.manager.BeginAuthentication(r.Context())
		if err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		common.WriteJSON(w, http.StatusOK, authURLResponse{AuthorizationURL: authURL})
	}
}

func (s *server) handleBeginPairing() http.HandlerFunc {
	type pairRequest struct {
		PairingURL string `json:"pairing_url"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req pairRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushPayload)).Decode(&req); err != nil {
			common.WriteError(w, http.StatusBadRequest, common.CodeInvalidRequest, "Request body must be a JSON object with pairing_url")
			return
		}

		authURL, err := s.manager.BeginPairingAuthentication(r.Context(), req.PairingURL)
		if err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		common.WriteJSON(w, http.StatusOK, authURLResponse{AuthorizationURL: authURL})
	}
}

// handleCompleteAuth is the OAuth redirect target
func (s *server) handleCompleteAuth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if code := q.Get("error"); code != "" {
			msg := q.Get("error_description")
			if msg == "" {
				msg = "The identity provider did not authorize this device (" + code + ")."
			}
			s.renderError(w, http.StatusBadRequest, templates.ErrorData{
				Title:   "Authorization Failed",
				Message: msg,
			})
			return
		}

		authCode, state := q.Get("code"), q.Get("state")
		if authCode == "" || state == "" {
			s.renderError(w, http.StatusBadRequest, templates.ErrorData{
				Title:   "Invalid Request",
				Message: "Missing authorization code or state parameter",
			})
			return
		}

		err := s.manager.FinishAuthentication(r.Context(), account.AuthData{
			Code:     authCode,
			State:    state,
			AuthType: parseAuthType(q.Get("auth_type")),
		})
		switch {
		case errors.Is(err, account.ErrNoExistingAuthFlow):
			s.renderError(w, http.StatusBadRequest, templates.ErrorData{
				Title:   "No Sign-in In Progress",
				Message: "This sign-in link was not started by this device. Start again from the application.",
			})
			return
		case errors.Is(err, account.ErrWrongAuthFlow):
			s.renderError(w, http.StatusBadRequest, templates.ErrorData{
				Title:   "Sign-in Superseded",
				Message: "A newer sign-in was started after this one. Finish that sign-in instead.",
			})
			return
		case errors.Is(err, account.ErrAlreadySignedIn):
			s.renderError(w, http.StatusConflict, templates.ErrorData{
				Title:   "Already Signed In",
				Message: "This device is already signed in. Sign out before signing in again.",
			})
			return
		case err != nil:
			s.logger.Error("finishing authentication", "error", err)
			s.renderError(w, http.StatusServiceUnavailable, templates.ErrorData{
				Title:   "Authorization Failed",
				Message: "Unable to complete sign-in",
			})
			return
		}

		data := templates.CompleteData{
			Message: "You are signed in. You may now close this window.",
		}
		if p := s.manager.AccountProfile(); p != nil {
			data.DisplayName = p.DisplayName
			data.Email = p.Email
		}
		if err := s.templates.RenderComplete(w, data); err != nil {
			s.logger.Error("rendering completion page", "error", err)
			http.Error(w, "error rendering page", http.StatusInternalServerError)
		}
	}
}

func (s *server) handleProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profile := s.manager.AccountProfile()
		if profile == nil {
			common.WriteError(w, http.StatusNotFound, common.CodeNotFound, "No profile is cached for this account")
			return
		}
		common.WriteJSON(w, http.StatusOK, profile)
	}
}

func (s *server) handleRefreshProfile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.manager.RefreshProfile(r.Context()); err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		common.WriteJSON(w, http.StatusOK, statusResponse{
			State:        s.manager.State().String(),
			HasAccount:   s.manager.HasAccount(),
			NeedsReauth:  s.manager.AccountNeedsReauth(),
			ProfileKnown: s.manager.AccountProfile() != nil,
		})
	}
}

func (s *server) handleAccessToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			common.WriteError(w, http.StatusBadRequest, common.CodeInvalidRequest, "Missing scope parameter")
			return
		}

		token, err := s.manager.GetAccessToken(r.Context(), scope)
		if err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		common.WriteJSON(w, http.StatusOK, token)
	}
}

func (s *server) handleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.manager.Logout(r.Context()); err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		constellation := s.manager.DeviceConstellation()
		if constellation == nil {
			common.WriteError(w, http.StatusNotFound, common.CodeNotFound, "No device constellation for this account")
			return
		}

		state := constellation.State()
		if state == nil {
			state = &account.ConstellationState{RemoteDevices: []oauth.Device{}}
		}
		common.WriteJSON(w, http.StatusOK, state)
	}
}

// commandsResponse lists the commands drained from the local device queue
type commandsResponse struct {
	Commands []oauth.DeviceCommand `json:"commands"`
}

func (s *server) handleCommands() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commands, err := s.manager.PollDeviceCommands(r.Context())
		if err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		if commands == nil {
			commands = []oauth.DeviceCommand{}
		}
		common.WriteJSON(w, http.StatusOK, commandsResponse{Commands: commands})
	}
}

func (s *server) handlePush() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushPayload))
		if err != nil {
			common.WriteError(w, http.StatusRequestEntityTooLarge, common.CodeInvalidRequest, "Push payload too large")
			return
		}

		if err := s.manager.HandlePushMessage(r.Context(), payload); err != nil {
			s.writeAccountError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// writeAccountError maps manager and provider errors onto the JSON error envelope
func (s *server) writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		common.WriteError(w, http.StatusBadRequest, common.CodeInvalidRequest, verr.Error())
	case errors.Is(err, oauth.ErrInvalidPushMessage):
		common.WriteError(w, http.StatusBadRequest, common.CodeInvalidRequest, "Push payload could not be decoded")
	case errors.Is(err, oauth.ErrNotSignedIn):
		common.WriteError(w, http.StatusUnauthorized, common.CodeNotSignedIn, "No account is signed in")
	case errors.Is(err, oauth.ErrUnauthorized):
		common.WriteError(w, http.StatusUnauthorized, common.CodeInvalidToken, "The identity provider rejected the session")
	case errors.Is(err, account.ErrNoConstellation):
		common.WriteError(w, http.StatusConflict, common.CodeConflict, "No device constellation for this account")
	case errors.Is(err, account.ErrAlreadySignedIn):
		common.WriteError(w, http.StatusConflict, common.CodeConflict, "The account is already signed in")
	case errors.Is(err, account.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		common.WriteError(w, http.StatusServiceUnavailable, common.CodeUnavailable, "The account manager is busy or shutting down")
	default:
		s.logger.Error("account request failed", "path", r.URL.Path, "error", err)
		common.WriteError(w, http.StatusInternalServerError, common.CodeServerError, "Unexpected error")
	}
}

func (s *server) renderError(w http.ResponseWriter, status int, data templates.ErrorData) {
	if err := s.templates.RenderError(w, status, data); err != nil {
		s.logger.Error("rendering error page", "error", err)
		http.Error(w, "error rendering page", http.StatusInternalServerError)
	}
}

// parseAuthType maps the redirect's auth_type parameter. Unknown values are
// kept as other auth types.
func parseAuthType(v string) account.AuthType {
	switch t := account.AuthType(strings.TrimSpace(v)); t {
	case "":
		return account.AuthTypeSignin
	case account.AuthTypeSignin, account.AuthTypeSignup, account.AuthTypePairing, account.AuthTypeReconnect:
		return t
	default:
		return account.OtherAuthType(string(t))
	}
}
