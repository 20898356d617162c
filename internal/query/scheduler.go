package query

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// nextPending returns the queue the next bind is taken from. Masters go
// first; ordinary targets wait while any master is outstanding.
func (e *Engine) nextPending() *[]*Target {
	for _, q := range []*[]*Target{&e.masters, &e.pending} {
		for len(*q) > 0 && (*q)[0].state != StateUnbound {
			(*q)[0] = nil
			*q = (*q)[1:]
		}
		if q == &e.pending && e.waitingMasters > 0 {
			return nil
		}
		if len(*q) > 0 {
			return q
		}
	}
	return nil
}

// bindNext binds queued targets up to the concurrency cap.
func (e *Engine) bindNext(now time.Time) {
	for len(e.handles) < e.opts.MaxSimultaneous {
		if e.expired(now) {
			return
		}
		q := e.nextPending()
		if q == nil {
			return
		}
		if e.limiter != nil && !e.limiter.AllowN(now, 1) {
			return
		}

		t := (*q)[0]
		err := e.bind(t, now)
		if errors.Is(err, ErrTransient) {
			e.stats.Transient++
			log.Warn().Err(err).Str("target", t.String()).Msg("Socket allocation failed, will retry")
			return
		}

		(*q)[0] = nil
		*q = (*q)[1:]
		if err != nil {
			e.finalize(t, StatusDown, err)
		}
	}
}

func (e *Engine) bind(t *Target, now time.Time) error {
	h, connecting, err := e.tr.Open(OpenRequest{
		Remote:    t.Addr,
		Stream:    t.Protocol.Flags.Has(FlagTCP),
		Broadcast: t.broadcast,
	})
	if err != nil {
		return err
	}

	t.handle = h
	t.state = StateBound
	e.handles[h] = t

	if connecting {
		t.connecting = true
		c := &t.timers[PhaseStatus.counter()]
		c.armed = true
		c.first = now
		c.last = now
		c.phase = PhaseStatus
		t.current = PhaseStatus
		return nil
	}

	e.request(t, PhaseStatus, now, true)
	if t.state == StateBound && !t.awaiting() {
		e.finalize(t, StatusError, fmt.Errorf("protocol %s built no status request", t.Protocol.ID))
	}
	return nil
}

// pollTimeout returns the wait until the nearest timer, run deadline or
// pacing token, floored at the minimum poll granularity.
func (e *Engine) pollTimeout(now time.Time) time.Duration {
	d := e.policy.IntervalFor(false)

	for _, t := range e.handles {
		master := t.IsMaster()
		for _, c := range t.timers {
			if c.phase == PhaseNone {
				continue
			}
			if delta := e.policy.NextAction(c.first, c.remaining, master).Sub(now); delta < d {
				d = delta
			}
		}
	}

	if delta := e.deadline.Sub(now); delta < d {
		d = delta
	}

	if e.limiter != nil && len(e.handles) < e.opts.MaxSimultaneous && e.nextPending() != nil {
		if tokens := e.limiter.TokensAt(now); tokens < 1 {
			wait := time.Duration((1 - tokens) / float64(e.limiter.Limit()) * float64(time.Second))
			if wait < d {
				d = wait
			}
		}
	}

	return e.policy.Floor(d)
}

// pollReady waits for readable sockets. Errors are logged and treated as a
// spurious wake-up.
func (e *Engine) pollReady(timeout time.Duration) []Event {
	interest := make([]Interest, 0, len(e.handles))
	for h, t := range e.handles {
		interest = append(interest, Interest{Handle: h, Write: t.connecting})
	}

	events, err := e.tr.Wait(interest, timeout)
	if err != nil {
		log.Error().Err(err).Msg("Readiness wait failed")
		return nil
	}
	return events
}

// drainReady performs one receive per ready socket.
func (e *Engine) drainReady(events []Event) {
	for _, ev := range events {
		t, ok := e.handles[ev.Handle]
		if !ok {
			continue
		}

		if t.connecting {
			if ev.Writable {
				e.connected(t)
			}
			continue
		}
		if !ev.Readable {
			continue
		}

		n, from, err := e.tr.Recv(ev.Handle, e.buf)
		switch {
		case errors.Is(err, ErrWouldBlock):
			continue
		case errors.Is(err, ErrRefused):
			e.finalize(t, StatusDown, err)
			continue
		case errors.Is(err, io.EOF):
			e.streamClosed(t)
			continue
		case err != nil:
			log.Debug().Err(err).Str("target", t.String()).Msg("Receive failed")
			continue
		case n == 0:
			log.Trace().Str("target", t.String()).Msg("Empty datagram ignored")
			continue
		}

		e.route(t, from, e.buf[:n])
	}
}

func (e *Engine) connected(t *Target) {
	if err := e.tr.Connected(t.handle); err != nil {
		e.finalize(t, StatusDown, err)
		return
	}
	t.connecting = false
	e.request(t, PhaseStatus, e.tr.Now(), true)
}

func (e *Engine) streamClosed(t *Target) {
	if t.packetsIn == 0 {
		e.finalize(t, StatusDown, errors.New("connection closed by peer"))
		return
	}
	e.finalize(t, StatusError, fmt.Errorf("%w: connection closed before complete reply", ErrMalformed))
}

// deliver hands one received packet to the target's adapter.
func (e *Engine) deliver(t *Target, pkt []byte) {
	now := e.tr.Now()
	t.packetsIn++
	t.bytesRecv += len(pkt)
	e.stats.PacketsRecv++
	if e.tap != nil {
		e.tap.Received(t, e.local(t), pkt)
	}
	t.recordPing(now)

	data := pkt
	if t.Protocol.Flags.Has(FlagTCP) {
		t.stream = append(t.stream, pkt...)
		data = t.stream
	}
	e.dispatch(t, data, now)
}

// dispatch decodes data and applies the adapter's intent. Combined fragment
// buffers are re-dispatched in a loop until no further set is complete.
func (e *Engine) dispatch(t *Target, data []byte, now time.Time) {
	for data != nil && t.state != StateDone {
		out, err := t.Protocol.Adapter.Decode(t, data)
		data = nil
		if err != nil {
			e.finalize(t, StatusError, err)
			return
		}

		switch out.Action {
		case ActionDone:
			e.complete(t)
			return
		case ActionSegment:
			e.fragments.Add(t.Addr, out.Fragment)
		case ActionSend, ActionResend:
			if out.Phase != PhaseStatus && t.Protocol.Flags.Has(FlagSingleQuery) {
				e.complete(t)
				return
			}
			e.request(t, out.Phase, now, out.Action == ActionResend)
		}

		if combined, ok := e.fragments.TryCombine(t.Addr); ok {
			data = combined
		}
	}

	if t.state != StateDone && !t.awaiting() && e.fragments.Pending(t.Addr) == 0 {
		e.complete(t)
	}
}

// request writes the request for phase p. Unless forced it is ignored when
// p is already outstanding, leaving retransmission to the timer. The first
// send arms the counter; later sends re-anchor it one interval ahead. A
// forced resend of the outstanding phase re-anchors at most once per retry
// slot, so a server answering every request with a fresh challenge still
// exhausts its budget.
func (e *Engine) request(t *Target, p Phase, now time.Time, force bool) {
	c := &t.timers[p.counter()]
	same := c.phase == p
	if !force && same {
		return
	}
	if t.Protocol.packet(p, t) == nil {
		t.Answered(p)
		return
	}

	if force && same && c.resent {
		c.last = now
		c.pinged = false
		e.transmit(t, p)
		return
	}
	c.resent = force && same

	if !c.armed {
		c.armed = true
		c.first = now
	} else {
		c.first = e.policy.Anchor(now, c.remaining, t.IsMaster())
	}
	c.phase = p
	c.last = now
	c.pinged = false
	t.current = p

	e.transmit(t, p)
}

// sendDue retransmits every counter whose timer elapsed and finalizes
// targets that exhausted their budget.
func (e *Engine) sendDue(now time.Time) {
	due := make([]*Target, 0, len(e.handles))
	for _, t := range e.handles {
		due = append(due, t)
	}

	for _, t := range due {
		master := t.IsMaster()
		for i := range t.timers {
			if t.state == StateDone {
				break
			}
			c := &t.timers[i]
			if c.phase == PhaseNone || !e.policy.Due(now, c.first, c.remaining, master) {
				continue
			}
			if c.remaining <= 0 {
				e.exhaust(t)
				break
			}

			c.remaining--
			c.last = now
			c.pinged = false
			c.resent = false
			if !t.connecting {
				e.transmit(t, c.phase)
			}
		}
	}
}

// exhaust finalizes a target whose retry budget ran out.
func (e *Engine) exhaust(t *Target) {
	switch {
	case t.IsMaster():
		if len(t.Servers) == 0 {
			e.finalize(t, StatusNoServers, errors.New("no servers returned"))
			return
		}
		e.cascade(t)
		e.finalize(t, StatusTimeout, errors.New("master list incomplete"))
	case t.broadcast:
		if t.replies > 0 {
			e.finalize(t, StatusUp, nil)
			return
		}
		e.finalize(t, StatusTimeout, errors.New("no broadcast replies"))
	case t.HasAnswered(PhaseStatus):
		t.Partial = true
		e.finalize(t, StatusUp, nil)
	default:
		e.finalize(t, StatusTimeout, errors.New("no reply"))
	}
}

// complete finalizes a target as up, cascading master lists first.
func (e *Engine) complete(t *Target) {
	if t.IsMaster() {
		e.cascade(t)
	}
	e.finalize(t, StatusUp, nil)
}

func (e *Engine) transmit(t *Target, p Phase) {
	pkt := t.Protocol.packet(p, t)
	if pkt == nil {
		return
	}

	err := e.tr.Send(t.handle, t.Addr, pkt)
	switch {
	case err == nil:
	case errors.Is(err, ErrRefused):
		e.finalize(t, StatusDown, err)
		return
	case errors.Is(err, ErrWouldBlock):
		log.Debug().Str("target", t.String()).Str("phase", p.String()).Msg("Send would block, left to retry")
		return
	default:
		log.Warn().Err(err).Str("target", t.String()).Str("phase", p.String()).Msg("Send failed")
		return
	}

	t.packetsOut++
	t.bytesSent += len(pkt)
	e.stats.PacketsSent++
	if e.tap != nil {
		e.tap.Sent(t, e.local(t), pkt)
	}
}
