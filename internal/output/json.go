package output

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/internal/query"
)

// JSON writes one object per line.
type JSON struct {
	w    *bufio.Writer
	enc  *json.Encoder
	opts Options
}

// NewJSON creates a JSON lines renderer.
func NewJSON(w io.Writer, opts Options) *JSON {
	bw := bufio.NewWriter(w)
	return &JSON{w: bw, enc: json.NewEncoder(bw), opts: opts}
}

// Emit implements query.Sink.
func (j *JSON) Emit(t *query.Target) {
	rec := NewRecord(t, j.opts.Enricher)
	if !j.opts.Rules {
		rec.Rules = nil
	}
	if !j.opts.Players {
		rec.PlayerList = nil
	}
	if err := j.enc.Encode(rec); err != nil {
		log.Error().Err(err).Str("target", t.String()).Msg("Failed to encode result")
	}
}

// Flush implements query.Flusher.
func (j *JSON) Flush() error {
	return j.w.Flush()
}
