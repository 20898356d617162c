// Package query implements the game server query engine: a single threaded,
// non-blocking scheduler that drives many protocol adapters over one
// readiness loop with per target retries, fragment reassembly and master
// server cascades.
package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Options configure the engine.
type Options struct {
	// betteralign:ignore

	// MaxSimultaneous caps the number of bound sockets.
	MaxSimultaneous int

	// Retries is the retry budget of every counter.
	Retries int

	// Interval is the retry interval for ordinary targets.
	Interval time.Duration

	// MasterMultiplier scales Interval for master targets.
	MasterMultiplier int

	// RunTimeout bounds the whole run.
	RunTimeout time.Duration

	// MinPoll floors the readiness wait.
	MinPoll time.Duration

	// SendRate limits new binds per second, 0 disables pacing.
	SendRate float64

	// ChildProtocol overrides the protocol of servers returned by masters.
	ChildProtocol string

	// WantRules and WantPlayers request the optional phases.
	WantRules   bool
	WantPlayers bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxSimultaneous:  20,
		Retries:          3,
		Interval:         500 * time.Millisecond,
		MasterMultiplier: 4,
		RunTimeout:       60 * time.Second,
		MinPoll:          DefaultMinPoll,
	}
}

// Validate rejects non-positive engine knobs.
func (o Options) Validate() error {
	switch {
	case o.MaxSimultaneous <= 0:
		return fmt.Errorf("max simultaneous must be positive, got %d", o.MaxSimultaneous)
	case o.Retries <= 0:
		return fmt.Errorf("retries must be positive, got %d", o.Retries)
	case o.Interval <= 0:
		return fmt.Errorf("retry interval must be positive, got %s", o.Interval)
	case o.MasterMultiplier <= 0:
		return fmt.Errorf("master interval multiplier must be positive, got %d", o.MasterMultiplier)
	case o.RunTimeout <= 0:
		return fmt.Errorf("run timeout must be positive, got %s", o.RunTimeout)
	case o.SendRate < 0:
		return fmt.Errorf("send rate must not be negative, got %g", o.SendRate)
	}
	return nil
}

// Sink consumes finalized targets exactly once. It must not mutate them.
type Sink interface {
	Emit(t *Target)
}

// Flusher is implemented by sinks that buffer output.
type Flusher interface {
	Flush() error
}

// Tap observes every packet the engine writes or reads.
type Tap interface {
	Sent(t *Target, local netip.AddrPort, b []byte)
	Received(t *Target, local netip.AddrPort, b []byte)
}

// Stats summarizes a run.
type Stats struct {
	Duration     time.Duration
	Targets      int
	Up           int
	Timeout      int
	Down         int
	HostNotFound int
	Errors       int
	NoServers    int
	PacketsSent  int
	PacketsRecv  int
	Transient    int
}

func (s *Stats) count(st Status) {
	switch st {
	case StatusUp:
		s.Up++
	case StatusTimeout:
		s.Timeout++
	case StatusDown:
		s.Down++
	case StatusHostNotFound:
		s.HostNotFound++
	case StatusError:
		s.Errors++
	case StatusNoServers:
		s.NoServers++
	}
}

// Engine owns all mutable query state. It is not safe for concurrent use:
// every method must be called from the goroutine that runs the loop.
type Engine struct {
	deadline  time.Time
	table     *Table
	tr        Transport
	sink      Sink
	tap       Tap
	cache     HostCache
	lookup    func(ctx context.Context, network, host string) ([]netip.Addr, error)
	limiter   *rate.Limiter
	registry  *Registry
	fragments *FragmentStore
	handles   map[Handle]*Target
	finished  map[netip.AddrPort]struct{}
	masters   []*Target
	pending   []*Target
	buf       []byte
	policy    Policy
	opts      Options
	stats     Stats

	// waitingMasters counts masters not yet finalized; while positive
	// ordinary targets are not bound.
	waitingMasters int
	started        bool
}

// New creates an engine. opts must pass Validate.
func New(opts Options, table *Table, tr Transport, sink Sink) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if table == nil || tr == nil {
		return nil, errors.New("engine needs a protocol table and a transport")
	}

	e := &Engine{
		opts:      opts,
		table:     table,
		tr:        tr,
		sink:      sink,
		registry:  NewRegistry(opts.MaxSimultaneous),
		fragments: NewFragmentStore(),
		handles:   make(map[Handle]*Target),
		finished:  make(map[netip.AddrPort]struct{}),
		lookup:    net.DefaultResolver.LookupNetIP,
		buf:       make([]byte, 64*1024),
		policy: Policy{
			Retries:          opts.Retries,
			Interval:         opts.Interval,
			MasterMultiplier: opts.MasterMultiplier,
			MinPoll:          opts.MinPoll,
		},
	}
	if opts.SendRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), 1)
	}

	return e, nil
}

// SetTap installs a packet observer.
func (e *Engine) SetTap(tap Tap) {
	e.tap = tap
}

// SetHostCache installs a host name cache used for resolution and labels.
func (e *Engine) SetHostCache(c HostCache) {
	e.cache = c
}

// Registry exposes the live target index.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// WaitingMasters returns the number of masters not yet finalized.
func (e *Engine) WaitingMasters() int {
	return e.waitingMasters
}

// Stats returns counters collected so far.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Add queues a target. Duplicates of live or already finalized targets
// return ErrDuplicate. The limited broadcast address selects broadcast mode
// for protocols that support it.
func (e *Engine) Add(p *Protocol, addr netip.AddrPort, queryArg string) (*Target, error) {
	broadcast := p.Flags.Has(FlagBroadcast) && addr.Addr() == limitedBroadcast
	return e.add(p, addr, queryArg, addOptions{broadcast: broadcast, label: true})
}

// AddBroadcast queues a broadcast target. Each distinct source answering
// it is queued as a target of its own.
func (e *Engine) AddBroadcast(p *Protocol, addr netip.AddrPort, queryArg string) (*Target, error) {
	if !p.Flags.Has(FlagBroadcast) || p.Flags.Has(FlagTCP) {
		return nil, fmt.Errorf("protocol %s does not support broadcast", p.ID)
	}
	return e.add(p, addr, queryArg, addOptions{broadcast: true, label: true})
}

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

type addOptions struct {
	broadcast bool
	label     bool // look up a cached host name for the address
}

func (e *Engine) add(p *Protocol, addr netip.AddrPort, queryArg string, o addOptions) (*Target, error) {
	if e.expired(e.tr.Now()) {
		return nil, ErrRunExpired
	}
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	addr = normalize(addr)
	if e.registry.Find(addr) != nil {
		return nil, fmt.Errorf("%s: %w", addr, ErrDuplicate)
	}
	if _, ok := e.finished[addr]; ok {
		return nil, fmt.Errorf("%s: %w", addr, ErrDuplicate)
	}

	if queryArg == "" {
		queryArg = p.QueryArg
	}
	if p.Flags.Has(FlagNeedsQueryArg) && queryArg == "" {
		return nil, fmt.Errorf("protocol %s requires a query argument", p.ID)
	}

	t := newTarget(p, addr, queryArg, e.opts.Retries)
	t.Want(e.opts.WantRules, e.opts.WantPlayers)
	t.broadcast = o.broadcast
	if o.label && e.cache != nil {
		if name, ok := e.cache.LookupAddr(addr.Addr()); ok {
			t.Label = name
		}
	}

	e.registry.Insert(t)
	e.stats.Targets++
	if t.IsMaster() {
		e.waitingMasters++
		e.masters = append(e.masters, t)
	} else {
		e.pending = append(e.pending, t)
	}

	log.Trace().Str("target", t.String()).Bool("broadcast", t.broadcast).Msg("Target queued")
	return t, nil
}

// AddHost resolves host and queues a target. port is a game port, 0 selects
// the protocol default. Unresolvable hosts are finalized as host-not-found
// and returned together with an error wrapping ErrHostNotFound.
func (e *Engine) AddHost(ctx context.Context, p *Protocol, host string, port uint16, queryArg string) (*Target, error) {
	qport := p.QueryPort(port)

	ctx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()
	addr, err := e.resolve(ctx, host)
	if err != nil {
		t := newTarget(p, netip.AddrPort{}, queryArg, e.opts.Retries)
		t.Label = host
		t.state = StateDone
		t.Status = StatusHostNotFound
		t.Err = err
		e.stats.Targets++
		e.stats.count(t.Status)
		log.Debug().Err(err).Str("host", host).Msg("Host not found")
		if e.sink != nil {
			e.sink.Emit(t)
		}
		return t, err
	}

	t, err := e.Add(p, netip.AddrPortFrom(addr, qport), queryArg)
	if err != nil {
		return nil, err
	}
	if _, literal := parseLiteral(host); !literal {
		t.Label = host
	}

	return t, nil
}

// Run drives the loop until no target is open or the run timeout elapses.
// Cancelling ctx has the same effect as the run timeout.
func (e *Engine) Run(ctx context.Context) Stats {
	start := e.tr.Now()
	e.deadline = start.Add(e.opts.RunTimeout)
	e.started = true

	for {
		now := e.tr.Now()
		if e.expired(now) || ctx.Err() != nil {
			e.expireAll()
			break
		}

		e.bindNext(now)
		if e.idle() {
			break
		}

		events := e.pollReady(e.pollTimeout(e.tr.Now()))
		e.drainReady(events)
		e.sendDue(e.tr.Now())
	}

	e.flush()
	e.stats.Duration = e.tr.Now().Sub(start)

	log.Info().
		Int("targets", e.stats.Targets).
		Int("up", e.stats.Up).
		Int("timeout", e.stats.Timeout).
		Int("down", e.stats.Down).
		Int("errors", e.stats.Errors).
		Int("packets_sent", e.stats.PacketsSent).
		Int("packets_recv", e.stats.PacketsRecv).
		Dur("duration", e.stats.Duration).
		Msg("Query run finished")

	return e.stats
}

func (e *Engine) expired(now time.Time) bool {
	return e.started && !now.Before(e.deadline)
}

func (e *Engine) idle() bool {
	if len(e.handles) > 0 {
		return false
	}
	for _, q := range [][]*Target{e.masters, e.pending} {
		for _, t := range q {
			if t.state == StateUnbound {
				return false
			}
		}
	}
	return true
}

// expireAll finalizes every open target as timed out.
func (e *Engine) expireAll() {
	open := make([]*Target, 0, len(e.handles)+len(e.masters)+len(e.pending))
	for _, t := range e.handles {
		open = append(open, t)
	}
	open = append(open, e.masters...)
	open = append(open, e.pending...)
	e.masters, e.pending = nil, nil

	n := 0
	for _, t := range open {
		if t.state == StateDone {
			continue
		}
		if t.HasAnswered(PhaseStatus) && !t.IsMaster() {
			t.Partial = true
			e.finalize(t, StatusUp, nil)
		} else {
			e.finalize(t, StatusTimeout, ErrRunExpired)
		}
		n++
	}
	if n > 0 {
		log.Warn().Int("targets", n).Msg("Run timeout elapsed, open targets finalized")
	}
}

func (e *Engine) flush() {
	f, ok := e.sink.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		log.Error().Err(err).Msg("Failed to flush output")
	}
}

// finalize closes the target's socket, frees its fragments, removes it from
// the registry and emits it to the sink. It is a no-op for done targets.
func (e *Engine) finalize(t *Target, status Status, err error) {
	if t.state == StateDone {
		return
	}
	if t.state == StateBound {
		if cerr := e.tr.Close(t.handle); cerr != nil {
			log.Debug().Err(cerr).Str("target", t.String()).Msg("Close socket")
		}
		delete(e.handles, t.handle)
		t.handle = NoHandle
	}

	t.state = StateDone
	t.Status = status
	t.Err = err
	t.connecting = false
	t.stream = nil
	for i := range t.timers {
		t.timers[i].phase = PhaseNone
	}
	e.fragments.Drop(t.Addr)
	e.registry.Remove(t)
	e.finished[t.Addr] = struct{}{}
	e.stats.count(status)

	ev := log.Debug()
	if status != StatusUp {
		ev = ev.Err(err)
	}
	ev.Str("target", t.String()).
		Str("status", status.String()).
		Int("retries", t.RetriesUsed()).
		Dur("ping", t.Ping()).
		Msg("Target finalized")

	if e.sink != nil {
		e.sink.Emit(t)
	}

	// Targets gated on masters are bound by the next loop pass, never
	// while a readiness batch is being drained.
	if t.IsMaster() {
		e.waitingMasters--
	}
}
