// Package templates renders the HTML pages shown at the end of an OAuth redirect
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
)

//go:embed html/*.html
var content embed.FS

// TemplateError wraps a template parse or execution failure
type TemplateError struct {
	Cause   error
	Message string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template error: %s: %v", e.Message, e.Cause)
}

func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// Templates manages the HTML templates
type Templates struct {
	complete *template.Template
	error    *template.Template
}

// LoadTemplates loads and parses all HTML templates
func LoadTemplates() (*Templates, error) {
	t := &Templates{}
	var err error

	if t.complete, err = template.ParseFS(content, "html/layout.html", "html/complete.html"); err != nil {
		return nil, &TemplateError{Cause: err, Message: "parsing complete page"}
	}
	if t.error, err = template.ParseFS(content, "html/layout.html", "html/error.html"); err != nil {
		return nil, &TemplateError{Cause: err, Message: "parsing error page"}
	}

	return t, nil
}

// CompleteData holds data for the sign-in completion page
type CompleteData struct {
	DisplayName string
	Email       string
	Message     string
}

// RenderComplete renders the completion page with status 200
func (t *Templates) RenderComplete(w http.ResponseWriter, data CompleteData) error {
	return render(w, http.StatusOK, t.complete, data)
}

// ErrorData holds data for the error page
type ErrorData struct {
	Title    string
	Message  string
	RetryURL string
}

// RenderError renders the error page with the given status
func (t *Templates) RenderError(w http.ResponseWriter, status int, data ErrorData) error {
	return render(w, status, t.error, data)
}

// render executes into a buffer first so a failing template never leaves a
// half-written response
func render(w http.ResponseWriter, status int, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return &TemplateError{Cause: err, Message: "executing " + tmpl.Name()}
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(buf.Len()))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	_, err := w.Write(buf.Bytes())
	return err
}
