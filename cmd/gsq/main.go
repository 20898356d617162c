// main is the entry point of gsq. It parses the configuration, builds the
// protocol table, opens the optional stores and runs one query pass over
// the requested targets.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/internal/config"
	"github.com/woozymasta/gsq/internal/gametypes"
	"github.com/woozymasta/gsq/internal/geoip"
	"github.com/woozymasta/gsq/internal/logger"
	"github.com/woozymasta/gsq/internal/maintenance"
	"github.com/woozymasta/gsq/internal/output"
	"github.com/woozymasta/gsq/internal/pktdump"
	"github.com/woozymasta/gsq/internal/protocols"
	"github.com/woozymasta/gsq/internal/query"
	"github.com/woozymasta/gsq/internal/storage"
	"github.com/woozymasta/gsq/internal/targets"
)

func main() {
	cfg := config.Parse()

	closeLog := logger.Setup(cfg.Logger)
	code := run(cfg)
	closeLog()

	os.Exit(code)
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	var store *storage.Repository
	if cfg.Storage.Path != "" {
		var err error
		store, err = storage.New(cfg.Storage.Path)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to initialize database")
			return 1
		}
		store.HostTTL = cfg.Storage.HostTTL
		defer func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing database")
			}
		}()

		if maintenance.Run(cfg, store) {
			return 0
		}
	}

	// GeoIP
	var enricher output.Enricher
	if cfg.GeoIP.Path != "" {
		if cfg.GeoIP.Update {
			if err := geoip.EnsureDB(ctx, cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
				log.Error().Err(err).Msg("Failed to download GeoIP database")
			}
		}

		provider, err := geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
		} else {
			enricher = provider
			defer func() { _ = provider.Close() }()
		}
	}

	tbl, err := buildTable(cfg.Query.TypesFile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build server type table")
		return 1
	}

	specs, err := collectTargets(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read targets")
		return 1
	}
	if len(specs) == 0 {
		log.Error().Msg("No targets given")
		return 1
	}

	// Output
	var w io.Writer = os.Stdout
	if cfg.Output.File != "" {
		f, err := os.Create(cfg.Output.File)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create output file")
			return 1
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	renderer, err := output.New(w, output.Options{
		Enricher:  enricher,
		Delimiter: cfg.Output.Delimiter,
		Template:  cfg.Output.Template,
		Format:    output.Format(cfg.Output.Format),
		Rules:     cfg.Query.Rules,
		Players:   cfg.Query.Players,
		Color:     cfg.Output.Color == "always" || (cfg.Output.Color == "auto" && logger.ColorEnabled(w)),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create output")
		return 1
	}

	sinks := output.Multi{renderer}
	if store != nil {
		sinks = append(sinks, storage.NewRecorder(store, enricher))
	}

	// Engine
	opts, err := cfg.EngineOptions()
	if err != nil {
		log.Error().Err(err).Msg("Invalid query options")
		return 1
	}
	source, err := cfg.SourceAddr()
	if err != nil {
		log.Error().Err(err).Msg("Invalid source address")
		return 1
	}
	lo, hi, err := cfg.SourcePorts()
	if err != nil {
		log.Error().Err(err).Msg("Invalid source ports")
		return 1
	}

	engine, err := query.New(opts, tbl, query.NewSocketTransport(source, lo, hi), sinks)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create query engine")
		return 1
	}
	if store != nil && cfg.Storage.HostCache {
		engine.SetHostCache(store)
	}

	if cfg.Capture.Pcap != "" {
		dump, err := pktdump.Create(cfg.Capture.Pcap)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create capture file")
			return 1
		}
		engine.SetTap(dump)
		defer func() {
			if err := dump.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing capture file")
			}
			log.Info().Int("packets", dump.Count()).Str("path", cfg.Capture.Pcap).Msg("Capture written")
		}()
	}

	for _, spec := range specs {
		if err := addTarget(ctx, engine, tbl, spec); err != nil {
			log.Warn().Err(err).Str("target", spec.String()).Msg("Target skipped")
		}
	}

	engine.Run(ctx)
	return 0
}

// buildTable registers the builtin protocols and the types of the optional
// definitions file.
func buildTable(typesFile string) (*query.Table, error) {
	tbl := query.NewTable()
	if err := protocols.Register(tbl); err != nil {
		return nil, err
	}

	if typesFile == "" {
		return tbl, nil
	}

	defs, err := gametypes.Load(typesFile)
	if err != nil {
		return nil, err
	}
	if err := gametypes.Apply(tbl, defs); err != nil {
		return nil, err
	}

	log.Debug().Int("types", len(defs)).Str("path", typesFile).Msg("Server types loaded")
	return tbl, nil
}

// collectTargets merges positional targets with the server list file.
func collectTargets(cfg *config.Config) ([]targets.Spec, error) {
	specs := make([]targets.Spec, 0, len(cfg.Args.Targets))
	for _, arg := range cfg.Args.Targets {
		spec, err := targets.Parse(arg, cfg.Query.DefaultType)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	if cfg.Query.ServerFile != "" {
		fromFile, err := targets.ReadFile(cfg.Query.ServerFile, cfg.Query.DefaultType)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fromFile...)
	}

	return specs, nil
}

func addTarget(ctx context.Context, engine *query.Engine, tbl *query.Table, spec targets.Spec) error {
	p, err := tbl.Lookup(spec.Type)
	if err != nil {
		return err
	}

	if spec.Broadcast {
		ip, err := netip.ParseAddr(spec.Host)
		if err != nil {
			return fmt.Errorf("broadcast target needs a numeric address: %w", err)
		}
		_, err = engine.AddBroadcast(p, netip.AddrPortFrom(ip, p.QueryPort(spec.Port)), spec.QueryArg)
		return err
	}

	_, err = engine.AddHost(ctx, p, spec.Host, spec.Port, spec.QueryArg)
	switch {
	case err == nil, errors.Is(err, query.ErrHostNotFound):
		// Unresolvable hosts are already reported through the sinks.
		return nil
	case errors.Is(err, query.ErrDuplicate):
		log.Debug().Str("target", spec.String()).Msg("Duplicate target ignored")
		return nil
	default:
		return err
	}
}
