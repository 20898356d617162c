package query

import (
	"fmt"
	"sort"
)

// Flags describe wire-level capabilities of a protocol.
type Flags uint16

const (
	// FlagBroadcast allows the protocol to be queried on a broadcast address.
	FlagBroadcast Flags = 1 << iota
	// FlagTCP selects a connection-oriented transport.
	FlagTCP
	// FlagSingleQuery means the status reply already carries rules and players.
	FlagSingleQuery
	// FlagMaster marks a master server protocol that returns a list of servers.
	FlagMaster
	// FlagNeedsQueryArg requires a query argument (protocol version, filter) for every target.
	FlagNeedsQueryArg
)

// Has reports whether all bits of x are set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

// Phase is one independently retried sub-query.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseStatus
	PhaseRules
	PhasePlayers
)

func (p Phase) String() string {
	switch p {
	case PhaseStatus:
		return "status"
	case PhaseRules:
		return "rules"
	case PhasePlayers:
		return "players"
	default:
		return "none"
	}
}

// counter returns the retry counter index used by the phase.
// Status and rules share a counter, players have their own.
func (p Phase) counter() int {
	if p == PhasePlayers {
		return 1
	}
	return 0
}

// Adapter decodes protocol packets for a target.
// Decode receives a borrowed slice and must not retain it past the call.
// It must tolerate duplicate deliveries of the same reply.
type Adapter interface {
	Decode(t *Target, pkt []byte) (Outcome, error)
}

// StatusSender builds the status request packet.
type StatusSender interface {
	StatusPacket(t *Target) []byte
}

// RulesSender builds the rules request packet.
type RulesSender interface {
	RulesPacket(t *Target) []byte
}

// PlayersSender builds the player list request packet.
type PlayersSender interface {
	PlayersPacket(t *Target) []byte
}

// Action is the intent returned by an adapter after decoding a packet.
type Action uint8

const (
	// ActionMore waits for further packets.
	ActionMore Action = iota
	// ActionDone completes the target.
	ActionDone
	// ActionSend advances to a phase unless it is already outstanding.
	ActionSend
	// ActionResend writes the phase request immediately (e.g. after a challenge).
	ActionResend
	// ActionSegment hands a fragment to the fragment store.
	ActionSegment
)

// Outcome is returned by Adapter.Decode.
type Outcome struct {
	Fragment Fragment
	Action   Action
	Phase    Phase
}

// More waits for further packets.
func More() Outcome { return Outcome{Action: ActionMore} }

// Done completes the target.
func Done() Outcome { return Outcome{Action: ActionDone} }

// Send requests the given phase.
func Send(p Phase) Outcome { return Outcome{Action: ActionSend, Phase: p} }

// Resend forces an immediate request of the given phase.
func Resend(p Phase) Outcome { return Outcome{Action: ActionResend, Phase: p} }

// Segment stores one fragment of a multi-packet reply.
func Segment(f Fragment) Outcome { return Outcome{Action: ActionSegment, Fragment: f} }

// Protocol is one entry of the adapter table. Entries are shared and read-only
// once registered.
type Protocol struct {
	// betteralign:ignore

	// ID is the short protocol identifier used on the command line (e.g. "a2s").
	ID string

	// Name is a human readable game or protocol name.
	Name string

	// MasterOf is the protocol id of servers returned by a master.
	MasterOf string

	// QueryArg is the default query argument (protocol version, filter).
	QueryArg string

	// Adapter decodes packets and builds requests.
	Adapter Adapter

	// DefaultPort is the query port used when none is given.
	DefaultPort uint16

	// PortOffset is added to a user supplied game port to get the query port.
	PortOffset int

	// Flags hold the capability set.
	Flags Flags
}

// Derive returns a copy of the protocol under a new id, sharing the adapter.
func (p *Protocol) Derive(id, name string) *Protocol {
	c := *p
	c.ID = id
	c.Name = name
	return &c
}

// packet builds the request for phase, nil when the phase is not supported.
func (p *Protocol) packet(phase Phase, t *Target) []byte {
	switch phase {
	case PhaseStatus:
		if s, ok := p.Adapter.(StatusSender); ok {
			return s.StatusPacket(t)
		}
	case PhaseRules:
		if s, ok := p.Adapter.(RulesSender); ok {
			return s.RulesPacket(t)
		}
	case PhasePlayers:
		if s, ok := p.Adapter.(PlayersSender); ok {
			return s.PlayersPacket(t)
		}
	}
	return nil
}

// QueryPort converts a game port into the port the protocol is queried on.
// Zero selects the default port.
func (p *Protocol) QueryPort(gamePort uint16) uint16 {
	if gamePort == 0 {
		return p.DefaultPort
	}
	port := int(gamePort) + p.PortOffset
	if port <= 0 || port > 65535 {
		return gamePort
	}
	return uint16(port)
}

// Table maps protocol ids to protocols. Builtin and config-derived entries
// are treated identically once registered.
type Table struct {
	byID map[string]*Protocol
}

// NewTable creates an empty protocol table.
func NewTable() *Table {
	return &Table{byID: make(map[string]*Protocol)}
}

// Register adds a protocol to the table.
func (t *Table) Register(p *Protocol) error {
	if p.ID == "" {
		return fmt.Errorf("protocol without id")
	}
	if p.Adapter == nil {
		return fmt.Errorf("protocol %q: no adapter", p.ID)
	}
	if _, ok := p.Adapter.(StatusSender); !ok {
		return fmt.Errorf("protocol %q: adapter cannot build a status request", p.ID)
	}
	if _, ok := t.byID[p.ID]; ok {
		return fmt.Errorf("protocol %q: %w", p.ID, ErrDuplicate)
	}
	t.byID[p.ID] = p
	return nil
}

// Lookup returns the protocol registered under id.
func (t *Table) Lookup(id string) (*Protocol, error) {
	p, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, id)
	}
	return p, nil
}

// All returns registered protocols sorted by id.
func (t *Table) All() []*Protocol {
	out := make([]*Protocol, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
