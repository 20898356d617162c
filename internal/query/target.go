package query

import (
	"fmt"
	"net/netip"
	"time"
)

// Status is the final outcome of a target.
type Status uint8

const (
	StatusPending Status = iota
	StatusUp
	StatusTimeout
	StatusDown
	StatusHostNotFound
	StatusError
	StatusNoServers
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUp:
		return "up"
	case StatusTimeout:
		return "timeout"
	case StatusDown:
		return "down"
	case StatusHostNotFound:
		return "hostnotfound"
	case StatusError:
		return "error"
	case StatusNoServers:
		return "noservers"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// State is the scheduling state of a target.
type State uint8

const (
	StateUnbound State = iota
	StateBound
	StateDone
)

// Rule is one server variable.
type Rule struct {
	Name  string
	Value string
}

// Rules is an insertion ordered set of name/value pairs.
// Setting an existing name replaces its value in place.
type Rules struct {
	index map[string]int
	list  []Rule
}

// Set inserts or replaces a rule.
func (r *Rules) Set(name, value string) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[name]; ok {
		r.list[i].Value = value
		return
	}
	r.index[name] = len(r.list)
	r.list = append(r.list, Rule{Name: name, Value: value})
}

// Get returns the value of a rule.
func (r *Rules) Get(name string) (string, bool) {
	i, ok := r.index[name]
	if !ok {
		return "", false
	}
	return r.list[i].Value, true
}

// All returns rules in insertion order.
func (r *Rules) All() []Rule {
	return r.list
}

// Len returns the number of rules.
func (r *Rules) Len() int {
	return len(r.list)
}

// Player is one connected player.
type Player struct {
	Name     string
	Team     string
	Score    int
	Ping     time.Duration
	Duration time.Duration
}

// phaseTimer tracks retries of one counter.
type phaseTimer struct {
	first     time.Time // schedule anchor, set by the first send
	last      time.Time
	remaining int
	phase     Phase // outstanding phase, PhaseNone when idle
	armed     bool
	pinged    bool
	resent    bool // a challenge resend already re-anchored this slot
}

// Target is one endpoint under query.
type Target struct {
	// betteralign:ignore

	// Addr is the query address, also the registry key.
	Addr netip.AddrPort

	// Label is the host name or numeric address shown in output.
	Label string

	// Protocol is the adapter table entry.
	Protocol *Protocol

	// QueryArg is the per-target query argument.
	QueryArg string

	// Status is the final outcome, StatusPending until finalized.
	Status Status

	// Err holds the reason for a non-up status.
	Err error

	// Partial is set when status arrived but rules or players timed out.
	Partial bool

	Name       string
	Map        string
	Game       string
	Version    string
	NumPlayers int
	MaxPlayers int

	Rules   Rules
	Players []Player

	// Servers collected by a master, in arrival order.
	Servers []netip.AddrPort

	// Challenge is the last challenge token issued by the server.
	Challenge []byte

	// NextRule and NextPlayer are adapter cursors for paged replies.
	NextRule   int
	NextPlayer int

	// Seed is the last entry of a paged master reply.
	Seed netip.AddrPort

	serverSet  map[netip.AddrPort]struct{}
	stream     []byte
	timers     [2]phaseTimer
	pingTotal  time.Duration
	pingCount  int
	bytesSent  int
	bytesRecv  int
	packetsIn  int
	packetsOut int
	replies    int // decoded broadcast replies
	handle     Handle
	budget     int
	state      State
	current    Phase
	answered   uint8
	connecting bool
	broadcast  bool

	wantRules   bool
	wantPlayers bool
}

func newTarget(p *Protocol, addr netip.AddrPort, queryArg string, retries int) *Target {
	t := &Target{
		Addr:     addr,
		Label:    addr.Addr().String(),
		Protocol: p,
		QueryArg: queryArg,
		handle:   NoHandle,
		budget:   retries,
	}
	for i := range t.timers {
		t.timers[i].remaining = retries
	}
	return t
}

// NewTarget creates a target outside of an engine run, e.g. to decode
// captured replies.
func NewTarget(p *Protocol, addr netip.AddrPort, queryArg string) *Target {
	return newTarget(p, normalize(addr), queryArg, 0)
}

// Want selects the optional phases requested for the target.
func (t *Target) Want(rules, players bool) {
	t.wantRules = rules
	t.wantPlayers = players
}

func (t *Target) String() string {
	if t.Protocol == nil {
		return t.Label
	}
	return t.Protocol.ID + " " + t.Addr.String()
}

// State returns the scheduling state.
func (t *Target) State() State {
	return t.state
}

// IsMaster reports whether the target is a master server.
func (t *Target) IsMaster() bool {
	return t.Protocol != nil && t.Protocol.Flags.Has(FlagMaster)
}

// IsBroadcast reports whether the target is queried through a broadcast
// socket whose replies become targets of their own.
func (t *Target) IsBroadcast() bool {
	return t.broadcast
}

// WantRules reports whether rules were requested for this run.
func (t *Target) WantRules() bool {
	return t.wantRules
}

// WantPlayers reports whether players were requested for this run.
func (t *Target) WantPlayers() bool {
	return t.wantPlayers
}

// Outstanding returns the most recently requested phase.
func (t *Target) Outstanding() Phase {
	return t.current
}

// Answered marks a phase as satisfied and stops its retries.
func (t *Target) Answered(p Phase) {
	t.answered |= 1 << p
	c := &t.timers[p.counter()]
	if c.phase == p {
		c.phase = PhaseNone
	}
}

// HasAnswered reports whether a phase reply was decoded.
func (t *Target) HasAnswered(p Phase) bool {
	return t.answered&(1<<p) != 0
}

// Remaining returns retries left on the counter used by phase p.
func (t *Target) Remaining(p Phase) int {
	return t.timers[p.counter()].remaining
}

// AddServer appends a server to a master's list, ignoring repeats.
func (t *Target) AddServer(ap netip.AddrPort) bool {
	ap = normalize(ap)
	if t.serverSet == nil {
		t.serverSet = make(map[netip.AddrPort]struct{})
	}
	if _, ok := t.serverSet[ap]; ok {
		return false
	}
	t.serverSet[ap] = struct{}{}
	t.Servers = append(t.Servers, ap)
	return true
}

// SetPlayers replaces the player list.
func (t *Target) SetPlayers(players []Player) {
	t.Players = players
	t.NumPlayers = len(players)
}

// Ping returns the average round trip time.
func (t *Target) Ping() time.Duration {
	if t.pingCount == 0 {
		return 0
	}
	return t.pingTotal / time.Duration(t.pingCount)
}

// RetriesUsed returns the number of retransmissions over all counters.
func (t *Target) RetriesUsed() int {
	n := 0
	for _, c := range t.timers {
		if c.armed {
			n += t.budget - c.remaining
		}
	}
	return n
}

// Traffic returns packet and byte counters.
func (t *Target) Traffic() (packetsOut, packetsIn, bytesOut, bytesIn int) {
	return t.packetsOut, t.packetsIn, t.bytesSent, t.bytesRecv
}

// awaiting reports whether anything is still outstanding.
func (t *Target) awaiting() bool {
	if t.connecting {
		return true
	}
	for _, c := range t.timers {
		if c.phase != PhaseNone {
			return true
		}
	}
	return false
}

func (t *Target) recordPing(now time.Time) {
	c := &t.timers[t.current.counter()]
	if c.phase == PhaseNone || c.pinged || c.last.IsZero() {
		return
	}
	c.pinged = true
	t.pingTotal += now.Sub(c.last)
	t.pingCount++
}

// normalize unmaps IPv4-in-IPv6 addresses so keys compare equal.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
