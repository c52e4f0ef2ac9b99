// Package render produces the text artifacts handed to users: the credential delivery
// message and the downloadable configuration script.
package render

import (
	"bytes"
	"embed"
	"text/template"

	"github.com/pkg/errors"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	DeliveryTemplate = "delivery.tmpl"
	ConfigTemplate   = "config.tmpl"
)

// DeliveryData feeds the message sent to the linked account.
type DeliveryData struct {
	Number    string
	SessionID string
	Generated string
	JSON      string
}

// ConfigData feeds the generated configuration script.
type ConfigData struct {
	Generated string
	Phone     string
	SessionID string
	JSON      string
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New parses all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, errors.Wrap(err, "parse templates")
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", errors.New("nil engine")
	}
	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
