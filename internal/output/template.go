package output

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/internal/query"
)

// DefaultTemplate is used when no template is configured.
const DefaultTemplate = `{{.Protocol}} {{.Label}} {{.Status}}{{if eq .Status "up"}} {{.Players}}/{{.MaxPlayers}} {{.Map}} {{.Name}}{{end}}`

// Template renders every target with a text/template. A trailing newline is
// added when the template has none.
type Template struct {
	w    *bufio.Writer
	tmpl *template.Template
	opts Options
}

// NewTemplate parses opts.Template.
func NewTemplate(w io.Writer, opts Options) (*Template, error) {
	text := opts.Template
	if text == "" {
		text = DefaultTemplate
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	tmpl, err := template.New("target").Funcs(template.FuncMap{
		"join":  strings.Join,
		"upper": strings.ToUpper,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse output template: %w", err)
	}

	return &Template{w: bufio.NewWriter(w), tmpl: tmpl, opts: opts}, nil
}

// Emit implements query.Sink.
func (t *Template) Emit(target *query.Target) {
	if err := t.tmpl.Execute(t.w, NewRecord(target, t.opts.Enricher)); err != nil {
		log.Error().Err(err).Str("target", target.String()).Msg("Failed to render template")
	}
}

// Flush implements query.Flusher.
func (t *Template) Flush() error {
	return t.w.Flush()
}
