package query

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"time"
)

// datagram is one queued reply, readable from at on.
type datagram struct {
	at   time.Time
	from netip.AddrPort
	data []byte
}

// fakePeer scripts the remote side of a target. Replies become readable
// delay after the request was sent.
type fakePeer struct {
	reply   func(pkt []byte) []datagram
	delay   time.Duration
	refused bool
	close   bool
}

type fakeSock struct {
	remote     netip.AddrPort
	queue      []datagram
	stream     bool
	broadcast  bool
	connecting bool
	refused    bool
	closed     bool
}

type sentPacket struct {
	to   netip.AddrPort
	data []byte
	at   time.Duration
}

// fakeTransport is a deterministic transport with a virtual clock: Wait
// returns ready handles immediately and otherwise advances the clock to
// the next delayed reply or by the full timeout.
type fakeTransport struct {
	start   time.Time
	now     time.Time
	peers   map[netip.AddrPort]*fakePeer
	socks   map[Handle]*fakeSock
	opened  map[netip.AddrPort]time.Duration
	opens   []OpenRequest
	unread  map[Handle]bool // readable handles of the last batch not yet received
	early   int             // opens while a batch was still being drained
	openErr func(req OpenRequest) error
	sent    []sentPacket
	next    Handle
	closes  int
}

func newFakeTransport() *fakeTransport {
	start := time.Unix(1700000000, 0)
	return &fakeTransport{
		start:  start,
		now:    start,
		peers:  make(map[netip.AddrPort]*fakePeer),
		socks:  make(map[Handle]*fakeSock),
		opened: make(map[netip.AddrPort]time.Duration),
		unread: make(map[Handle]bool),
		next:   3,
	}
}

func (f *fakeTransport) elapsed() time.Duration {
	return f.now.Sub(f.start)
}

func (f *fakeTransport) Open(req OpenRequest) (Handle, bool, error) {
	if f.openErr != nil {
		if err := f.openErr(req); err != nil {
			return NoHandle, false, err
		}
	}
	if len(f.unread) > 0 {
		f.early++
	}
	h := f.next
	f.next++
	f.socks[h] = &fakeSock{
		remote:     req.Remote,
		stream:     req.Stream,
		broadcast:  req.Broadcast,
		connecting: req.Stream,
	}
	f.opened[req.Remote] = f.elapsed()
	f.opens = append(f.opens, req)
	return h, req.Stream, nil
}

func (f *fakeTransport) Connected(h Handle) error {
	s := f.socks[h]
	if p := f.peers[s.remote]; p == nil || p.refused {
		return ErrRefused
	}
	s.connecting = false
	return nil
}

func (f *fakeTransport) Send(h Handle, to netip.AddrPort, b []byte) error {
	s, ok := f.socks[h]
	if !ok {
		return fmt.Errorf("unknown handle %d", h)
	}
	dest := s.remote
	if s.broadcast {
		dest = to
	}
	f.sent = append(f.sent, sentPacket{to: dest, data: append([]byte(nil), b...), at: f.elapsed()})

	p := f.peers[dest]
	if p == nil {
		return nil
	}
	if p.refused {
		s.refused = true
		return nil
	}
	if p.reply != nil {
		for _, d := range p.reply(b) {
			if !d.from.IsValid() {
				d.from = dest
			}
			d.at = f.now.Add(p.delay)
			s.queue = append(s.queue, d)
		}
	}
	if p.close {
		s.closed = true
	}
	return nil
}

func (f *fakeTransport) Recv(h Handle, buf []byte) (int, netip.AddrPort, error) {
	delete(f.unread, h)
	s := f.socks[h]
	if s.refused {
		s.refused = false
		return 0, netip.AddrPort{}, ErrRefused
	}
	if len(s.queue) == 0 {
		if s.closed {
			return 0, s.remote, io.EOF
		}
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	if s.queue[0].at.After(f.now) {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return copy(buf, d.data), d.from, nil
}

func (s *fakeSock) ready(now time.Time) bool {
	return len(s.queue) > 0 && !s.queue[0].at.After(now)
}

func (f *fakeTransport) Close(h Handle) error {
	delete(f.unread, h)
	delete(f.socks, h)
	f.closes++
	return nil
}

func (f *fakeTransport) Wait(interest []Interest, timeout time.Duration) ([]Event, error) {
	clear(f.unread)
	var events []Event
	for _, in := range interest {
		s := f.socks[in.Handle]
		if s == nil {
			continue
		}
		ev := Event{Handle: in.Handle}
		if in.Write && s.connecting {
			ev.Writable = true
		}
		if s.ready(f.now) || s.refused || (s.closed && len(s.queue) == 0) {
			ev.Readable = true
		}
		if ev.Readable {
			f.unread[in.Handle] = true
		}
		if ev.Readable || ev.Writable {
			events = append(events, ev)
		}
	}
	if len(events) > 0 {
		return events, nil
	}

	advance := timeout
	for _, in := range interest {
		if s := f.socks[in.Handle]; s != nil && len(s.queue) > 0 {
			if d := s.queue[0].at.Sub(f.now); d < advance {
				advance = d
			}
		}
	}
	f.now = f.now.Add(advance)
	return nil, nil
}

func (f *fakeTransport) Local(h Handle) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(40000+h))
}

func (f *fakeTransport) Now() time.Time {
	return f.now
}

// collector records emitted targets with the virtual time of emission.
type collector struct {
	tr      *fakeTransport
	seen    map[*Target]int
	targets []*Target
	at      []time.Duration
	flushed int
}

func newCollector(tr *fakeTransport) *collector {
	return &collector{tr: tr, seen: make(map[*Target]int)}
}

func (c *collector) Emit(t *Target) {
	c.targets = append(c.targets, t)
	c.at = append(c.at, c.tr.elapsed())
	c.seen[t]++
}

func (c *collector) Flush() error {
	c.flushed++
	return nil
}

func (c *collector) byAddr(ap netip.AddrPort) *Target {
	for _, t := range c.targets {
		if t.Addr == ap {
			return t
		}
	}
	return nil
}

// testAdapter speaks a one letter protocol used by the engine tests.
type testAdapter struct {
	combined          [][]byte
	segmentsAtCombine []int
	segments          int
}

func (a *testAdapter) StatusPacket(t *Target) []byte {
	if len(t.Challenge) > 0 {
		return append([]byte("status:"), t.Challenge...)
	}
	return []byte("status")
}

func (a *testAdapter) PlayersPacket(t *Target) []byte {
	return []byte("players")
}

func (a *testAdapter) Decode(t *Target, pkt []byte) (Outcome, error) {
	if len(pkt) == 0 {
		return More(), nil
	}

	switch pkt[0] {
	case 'U':
		t.Name = string(pkt[1:])
		t.Answered(PhaseStatus)
		if t.WantPlayers() && !t.HasAnswered(PhasePlayers) {
			return Send(PhasePlayers), nil
		}
		return Done(), nil
	case 'P':
		t.SetPlayers(make([]Player, int(pkt[1])))
		t.Answered(PhasePlayers)
		return More(), nil
	case 'H':
		t.Challenge = append(t.Challenge[:0], pkt[1:]...)
		return Resend(PhaseStatus), nil
	case 'F':
		if len(pkt) < 4 {
			return Outcome{}, ErrMalformed
		}
		a.segments++
		return Segment(Fragment{ID: uint32(pkt[1]), Index: int(pkt[2]), Total: int(pkt[3]), Data: pkt[4:]}), nil
	case 'C':
		a.combined = append(a.combined, append([]byte(nil), pkt...))
		a.segmentsAtCombine = append(a.segmentsAtCombine, a.segments)
		t.Answered(PhaseStatus)
		return Done(), nil
	case 'M':
		for i := 1; i+6 <= len(pkt); i += 6 {
			addr := netip.AddrFrom4([4]byte(pkt[i : i+4]))
			t.AddServer(netip.AddrPortFrom(addr, binary.BigEndian.Uint16(pkt[i+4:])))
		}
		return More(), nil
	case 'E':
		t.Answered(PhaseStatus)
		return Done(), nil
	case 'L':
		if len(pkt) < 2 || len(pkt)-2 < int(pkt[1]) {
			return More(), nil
		}
		t.Name = string(pkt[2 : 2+int(pkt[1])])
		t.Answered(PhaseStatus)
		return Done(), nil
	case 'X':
		return Outcome{}, fmt.Errorf("%w: bad header", ErrMalformed)
	}

	return More(), nil
}

func masterList(servers ...netip.AddrPort) []byte {
	b := []byte{'M'}
	for _, s := range servers {
		a := s.Addr().As4()
		b = append(b, a[:]...)
		b = binary.BigEndian.AppendUint16(b, s.Port())
	}
	return b
}

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func reply(msgs ...string) func([]byte) []datagram {
	return func([]byte) []datagram {
		out := make([]datagram, len(msgs))
		for i, m := range msgs {
			out[i] = datagram{data: []byte(m)}
		}
		return out
	}
}
