package templates

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func setupTemplates(t *testing.T) *Templates {
	t.Helper()
	templates, err := LoadTemplates()
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	return templates
}

func TestLoadTemplates(t *testing.T) {
	templates := setupTemplates(t)
	if templates.complete == nil {
		t.Error("complete template not loaded")
	}
	if templates.error == nil {
		t.Error("error template not loaded")
	}
}

func TestTemplateError(t *testing.T) {
	cause := errors.New("original error")
	err := &TemplateError{Cause: cause, Message: "template failed"}

	want := "template error: template failed: original error"
	if got := err.Error(); got != want {
		t.Errorf("TemplateError.Error() = %q, want %q", got, want)
	}
	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("errors.Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestRenderComplete(t *testing.T) {
	tests := []struct {
		name         string
		data         CompleteData
		wantContains []string
		wantMissing  []string
	}{
		{
			name: "with profile",
			data: CompleteData{DisplayName: "Ada", Email: "ada@example.com", Message: "You can close this window."},
			wantContains: []string{
				"<title>Signed in</title>",
				"Signed in as Ada (ada@example.com)",
				"You can close this window.",
			},
		},
		{
			name:         "without profile",
			data:         CompleteData{Message: "Done."},
			wantContains: []string{"Done."},
			wantMissing:  []string{"Signed in as"},
		},
		{
			name:         "escapes input",
			data:         CompleteData{DisplayName: "<script>alert(1)</script>"},
			wantContains: []string{"&lt;script&gt;"},
			wantMissing:  []string{"<script>alert(1)</script>"},
		},
	}

	templates := setupTemplates(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if err := templates.RenderComplete(rec, tt.data); err != nil {
				t.Fatalf("RenderComplete() error = %v", err)
			}

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			checkPage(t, rec, tt.wantContains, tt.wantMissing)
		})
	}
}

func TestRenderError(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		data         ErrorData
		wantContains []string
		wantMissing  []string
	}{
		{
			name:   "with retry link",
			status: http.StatusBadRequest,
			data:   ErrorData{Title: "Sign-in failed", Message: "The sign-in link has expired.", RetryURL: "/auth/begin"},
			wantContains: []string{
				"<title>Sign-in failed</title>",
				`class="error"`,
				"The sign-in link has expired.",
				`href="/auth/begin"`,
			},
		},
		{
			name:        "without retry link",
			status:      http.StatusInternalServerError,
			data:        ErrorData{Title: "Error", Message: "Something went wrong"},
			wantMissing: []string{"Try signing in again"},
		},
		{
			name:        "unsafe retry URL",
			status:      http.StatusBadRequest,
			data:        ErrorData{Title: "Error", RetryURL: "javascript:alert(1)"},
			wantMissing: []string{`href="javascript:`},
		},
	}

	templates := setupTemplates(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			if err := templates.RenderError(rec, tt.status, tt.data); err != nil {
				t.Fatalf("RenderError() error = %v", err)
			}

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			checkPage(t, rec, tt.wantContains, tt.wantMissing)
		})
	}
}

func checkPage(t *testing.T, rec *httptest.ResponseRecorder, contains, missing []string) {
	t.Helper()

	if got := rec.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}

	body := rec.Body.String()
	for _, s := range contains {
		if !strings.Contains(body, s) {
			t.Errorf("body missing %q", s)
		}
	}
	for _, s := range missing {
		if strings.Contains(body, s) {
			t.Errorf("body unexpectedly contains %q", s)
		}
	}
}
