// Package web embeds the HTML pages served to the user's browser during
// verification.
package web

import (
	"embed"
	"html/template"
	"io"
)

//go:embed templates/*.html
var templateFS embed.FS

// AuthPage is the data rendered into the verification page.
type AuthPage struct {
	SessionID        string
	Purpose          string
	ChallengePayload string
	ExpiresIn        int64
	Status           string
}

// Pages renders the embedded templates.
type Pages struct {
	tmpl *template.Template
}

// NewPages parses the embedded templates.
func NewPages() (*Pages, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Pages{tmpl: tmpl}, nil
}

// MustPages is NewPages that panics on error. The templates are compiled in,
// so a failure is a build defect.
func MustPages() *Pages {
	p, err := NewPages()
	if err != nil {
		panic("web: failed to parse templates: " + err.Error())
	}
	return p
}

// RenderAuth writes the verification page for one session.
func (p *Pages) RenderAuth(w io.Writer, data AuthPage) error {
	return p.tmpl.ExecuteTemplate(w, "auth.html", data)
}

// RenderNotFound writes the page shown for unknown or expired sessions.
func (p *Pages) RenderNotFound(w io.Writer) error {
	return p.tmpl.ExecuteTemplate(w, "notfound.html", nil)
}
