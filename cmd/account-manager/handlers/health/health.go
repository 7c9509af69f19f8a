// Package health serves the aggregated health check of the account manager's
// collaborators
package health

import (
	"context"
	"net/http"
	"sort"

	"github.com/wrale/oauth2-account-manager/cmd/account-manager/handlers/common"
)

// Status values reported per component and overall
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Checker is a component that can report its own health
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// Handler processes health check requests
type Handler struct {
	checks  map[string]Checker
	version string
}

// Response represents the health check response.
// Version is omitted when empty.
type Response struct {
	Status  string               `json:"status"`
	Version string               `json:"version,omitempty"`
	Details map[string]Component `json:"details,omitempty"`
}

// Component is the health of one named checker
type Component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// New creates a health check handler over the named checkers
func New(checks map[string]Checker) *Handler {
	h := &Handler{
		checks:  make(map[string]Checker, len(checks)),
		version: "unknown",
	}
	for name, c := range checks {
		if c != nil {
			h.checks[name] = c
		}
	}
	return h
}

// WithVersion sets the version for health check responses
func (h *Handler) WithVersion(version string) *Handler {
	h.version = version
	return h
}

// ServeHTTP handles health check requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := Response{
		Status:  StatusHealthy,
		Version: h.version,
		Details: make(map[string]Component, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].CheckHealth(r.Context()); err != nil {
			response.Status = StatusUnhealthy
			response.Details[name] = Component{Status: StatusUnhealthy, Message: err.Error()}
			continue
		}
		response.Details[name] = Component{Status: StatusHealthy}
	}

	status := http.StatusOK
	if response.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	common.WriteJSON(w, status, response)
}
