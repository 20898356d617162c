package query

import (
	"errors"
	"net/netip"

	"github.com/rs/zerolog/log"
)

// cascade turns a master's server list into ordinary targets. Servers
// already known to the registry, or already finalized, are skipped.
func (e *Engine) cascade(m *Target) {
	id := e.opts.ChildProtocol
	if id == "" {
		id = m.Protocol.MasterOf
	}
	child, err := e.table.Lookup(id)
	if err != nil {
		log.Error().Err(err).Str("target", m.String()).Msg("Master has no child protocol")
		return
	}

	added, skipped := 0, 0
	for _, ap := range m.Servers {
		_, err := e.add(child, ap, "", addOptions{})
		switch {
		case err == nil:
			added++
		case errors.Is(err, ErrDuplicate):
			skipped++
		case errors.Is(err, ErrRunExpired):
			log.Warn().Str("target", m.String()).Int("dropped", len(m.Servers)-added-skipped).
				Msg("Run timeout elapsed while adding master servers")
			return
		default:
			log.Debug().Err(err).Str("server", ap.String()).Msg("Skipping master entry")
			skipped++
		}
	}

	log.Info().
		Str("target", m.String()).
		Int("servers", len(m.Servers)).
		Int("added", added).
		Int("skipped", skipped).
		Msg("Master server list received")
}

// route resolves the target a packet belongs to. Packets from a source
// other than the socket owner go to the bound target for that source.
// On broadcast sockets the reply is decoded for the target of its source,
// queued first when unknown. Anything else is dropped.
func (e *Engine) route(owner *Target, from netip.AddrPort, pkt []byte) {
	if !from.IsValid() || normalize(from) == owner.Addr {
		e.deliver(owner, pkt)
		return
	}

	if t := e.registry.Find(from); t != nil {
		switch {
		case t.state == StateBound:
			e.deliver(t, pkt)
		case owner.broadcast && t.state == StateUnbound && t.Protocol == owner.Protocol:
			e.prime(owner, t, pkt)
		}
		return
	}

	if owner.broadcast {
		if t := e.materialize(owner, from); t != nil {
			e.prime(owner, t, pkt)
		}
		return
	}

	log.Trace().Str("target", owner.String()).Str("from", from.String()).Msg("Dropping packet from unknown source")
}

// materialize queues a directed query for a host that answered a broadcast.
func (e *Engine) materialize(owner *Target, from netip.AddrPort) *Target {
	t, err := e.add(owner.Protocol, from, owner.QueryArg, addOptions{})
	if err != nil {
		if !errors.Is(err, ErrDuplicate) {
			log.Debug().Err(err).Str("from", from.String()).Msg("Broadcast reply ignored")
		}
		return nil
	}
	return t
}

// prime decodes a broadcast reply for a queued target. A reply that
// completes the target finalizes it; otherwise the target stays queued for
// its directed query, keeping any challenge the reply carried.
func (e *Engine) prime(owner, t *Target, pkt []byte) {
	t.packetsIn++
	t.bytesRecv += len(pkt)
	e.stats.PacketsRecv++
	if e.tap != nil {
		e.tap.Received(t, e.local(owner), pkt)
	}

	out, err := t.Protocol.Adapter.Decode(t, pkt)
	if err != nil {
		log.Debug().Err(err).Str("target", t.String()).Msg("Undecodable broadcast reply")
		return
	}
	owner.replies++

	switch {
	case out.Action == ActionDone:
	case out.Action == ActionSend && out.Phase != PhaseStatus && t.Protocol.Flags.Has(FlagSingleQuery):
	default:
		return
	}
	e.complete(t)
}

func (e *Engine) local(t *Target) netip.AddrPort {
	if t.handle == NoHandle {
		return netip.AddrPort{}
	}
	return e.tr.Local(t.handle)
}
