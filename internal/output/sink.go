package output

import (
	"errors"
	"fmt"
	"io"

	"github.com/woozymasta/gsq/internal/query"
)

// Format selects a renderer.
type Format string

// Supported formats.
const (
	FormatHuman    Format = "human"
	FormatRaw      Format = "raw"
	FormatJSON     Format = "json"
	FormatTemplate Format = "template"
)

// Options configure a renderer.
type Options struct {
	// betteralign:ignore

	Enricher  Enricher
	Delimiter string
	Template  string
	Format    Format
	Rules     bool
	Players   bool
	Color     bool
}

// New returns the renderer for opts.Format writing to w.
func New(w io.Writer, opts Options) (query.Sink, error) {
	switch opts.Format {
	case FormatHuman, "":
		return NewHuman(w, opts), nil
	case FormatRaw:
		return NewRaw(w, opts), nil
	case FormatJSON:
		return NewJSON(w, opts), nil
	case FormatTemplate:
		return NewTemplate(w, opts)
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}
}

// Multi fans finalized targets out to several sinks.
type Multi []query.Sink

// Emit implements query.Sink.
func (m Multi) Emit(t *query.Target) {
	for _, s := range m {
		s.Emit(t)
	}
}

// Flush flushes every sink that buffers output.
func (m Multi) Flush() error {
	var errs []error
	for _, s := range m {
		if f, ok := s.(query.Flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
