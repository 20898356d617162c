package storage

import (
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/internal/models"
	"github.com/woozymasta/gsq/internal/output"
	"github.com/woozymasta/gsq/internal/query"
)

// Recorder is a query.Sink that stores every finalized server target.
// Masters are not stored; their children arrive as targets of their own.
type Recorder struct {
	repo     *Repository
	enricher output.Enricher
	failed   int
}

// NewRecorder returns a sink writing results to repo. enr may be nil.
func NewRecorder(repo *Repository, enr output.Enricher) *Recorder {
	return &Recorder{repo: repo, enricher: enr}
}

// Emit implements query.Sink.
func (rec *Recorder) Emit(t *query.Target) {
	if t.IsMaster() || t.IsBroadcast() {
		return
	}

	s, ok := models.FromTarget(t, rec.repo.now())
	if !ok {
		return
	}
	if rec.enricher != nil {
		s.CountryCode = rec.enricher.CountryCode(t.Addr.Addr())
	}

	if err := rec.repo.UpsertServer(s); err != nil {
		rec.failed++
		log.Warn().Err(err).Str("target", t.String()).Msg("Failed to store result")
	}
}

// Failed returns the number of results that could not be stored.
func (rec *Recorder) Failed() int {
	return rec.failed
}
