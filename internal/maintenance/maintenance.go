// Package maintenance cleans and re-checks the stored server results.
package maintenance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/gsq/internal/config"
	"github.com/woozymasta/gsq/internal/game"
	"github.com/woozymasta/gsq/internal/models"
	"github.com/woozymasta/gsq/internal/protocols"
	"github.com/woozymasta/gsq/internal/query"
	"github.com/woozymasta/gsq/internal/storage"
)

// Workers is the size of the re-check pool.
const Workers = 10

// Checker queries one stored server.
type Checker func(s models.Server) (*a2s.Info, error)

// Result counts the outcome of a re-check.
type Result struct {
	Checked int64
	Updated int64
	Deleted int64
}

// Run executes the maintenance task selected in cfg.
// It returns true if a task ran, in which case no query run should follow.
func Run(cfg *config.Config, store *storage.Repository) bool {
	if cfg.Storage.Prune != "" {
		protocol := parseProtocol(cfg.Storage.Prune)
		log.Info().Str("protocol", protocol).Msg("Pruning servers that are not up")

		count, err := store.DeleteDownServers(protocol)
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune servers")
		} else {
			log.Info().Int64("deleted", count).Msg("Prune finished")
		}

		hosts, err := store.PruneHosts()
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune host cache")
		} else if hosts > 0 {
			log.Info().Int64("deleted", hosts).Msg("Expired host cache entries removed")
		}

		return true
	}

	var onlyDown bool
	switch {
	case cfg.Storage.CheckDown:
		onlyDown = true
	case cfg.Storage.CheckAll:
	default:
		return false
	}

	servers, err := store.GetServers(protocols.A2S, onlyDown)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch servers")
		return true
	}
	if len(servers) == 0 {
		log.Info().Msg("No servers found for re-check")
		return true
	}

	log.Info().Int("count", len(servers)).Int("workers", Workers).Bool("only_down", onlyDown).Msg("Re-checking stored servers")
	res := Recheck(servers, store, func(s models.Server) (*a2s.Info, error) {
		return game.QueryServer(s.IP, s.Port, cfg.A2S)
	}, Workers)
	log.Info().
		Int64("checked", res.Checked).
		Int64("updated", res.Updated).
		Int64("deleted", res.Deleted).
		Msg("Re-check completed")

	return true
}

// parseProtocol maps the optional flag value to a storage filter.
func parseProtocol(input string) string {
	if input == config.AnyProtocol {
		return ""
	}
	return input
}

// Recheck queries servers with a pool of workers. Reachable servers are
// updated, unreachable ones or ones with an invalid port are deleted.
func Recheck(servers []models.Server, store *storage.Repository, check Checker, workers int) Result {
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan models.Server, len(servers))
	var (
		wg  sync.WaitGroup
		res Result
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				processServer(s, store, check, &res)
			}
		}()
	}

	for _, s := range servers {
		jobs <- s
	}
	close(jobs)

	wg.Wait()
	return res
}

func processServer(s models.Server, store *storage.Repository, check Checker, res *Result) {
	logCtx := log.With().
		Str("proto", s.Protocol).
		Str("ip", s.IP).
		Int("port", s.Port).
		Logger()

	atomic.AddInt64(&res.Checked, 1)

	if s.Port <= 0 || s.Port > 65535 {
		logCtx.Debug().Msg("Invalid port, deleting server")
		deleteServer(s, store, res)
		return
	}

	info, err := check(s)
	if err != nil {
		logCtx.Debug().Err(err).Msg("Server unreachable, deleting server")
		deleteServer(s, store, res)
		return
	}

	game.Apply(&s, info)
	s.Status = query.StatusUp.String()
	s.LastSeen = time.Now()

	if err := store.UpsertServer(s); err != nil {
		logCtx.Error().Err(err).Msg("Failed to update server")
		return
	}
	atomic.AddInt64(&res.Updated, 1)
	logCtx.Trace().Msg("Server updated")
}

func deleteServer(s models.Server, store *storage.Repository, res *Result) {
	if err := store.DeleteServer(s.Protocol, s.IP, s.Port); err != nil {
		log.Error().Err(err).Str("ip", s.IP).Int("port", s.Port).Msg("Failed to delete server")
		return
	}
	atomic.AddInt64(&res.Deleted, 1)
}
