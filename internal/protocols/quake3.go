package protocols

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/woozymasta/gsq/internal/query"
)

var (
	q3Status         = []byte("\xff\xff\xff\xffgetstatus\n")
	q3StatusReply    = []byte("\xff\xff\xff\xffstatusResponse\n")
	q3MasterReply    = []byte("\xff\xff\xff\xffgetserversResponse")
	q3MasterTerminal = []byte("EOT")
)

// Q3Status queries a Quake III server with getstatus. The single reply
// carries server variables and the player list.
type Q3Status struct{}

// StatusPacket implements query.StatusSender.
func (Q3Status) StatusPacket(*query.Target) []byte {
	return q3Status
}

// Decode implements query.Adapter.
func (Q3Status) Decode(t *query.Target, pkt []byte) (query.Outcome, error) {
	if !bytes.HasPrefix(pkt, q3StatusReply) {
		return query.Outcome{}, fmt.Errorf("%w: not a statusResponse", query.ErrMalformed)
	}

	lines := strings.Split(string(pkt[len(q3StatusReply):]), "\n")
	parseInfoString(t, lines[0])

	players := make([]query.Player, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		p, err := parseQ3Player(line)
		if err != nil {
			return query.Outcome{}, err
		}
		players = append(players, p)
	}
	t.SetPlayers(players)

	t.Name, _ = t.Rules.Get("sv_hostname")
	t.Map, _ = t.Rules.Get("mapname")
	t.Game, _ = t.Rules.Get("gamename")
	t.Version, _ = t.Rules.Get("version")
	if v, ok := t.Rules.Get("sv_maxclients"); ok {
		t.MaxPlayers, _ = strconv.Atoi(v)
	}

	t.Answered(query.PhaseStatus)
	return query.Done(), nil
}

// parseInfoString reads a \key\value\key\value line into the rule set.
func parseInfoString(t *query.Target, s string) {
	fields := strings.Split(strings.TrimPrefix(s, `\`), `\`)
	for i := 0; i+1 < len(fields); i += 2 {
		t.Rules.Set(fields[i], fields[i+1])
	}
}

// parseQ3Player reads `score ping "name"`.
func parseQ3Player(line string) (query.Player, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return query.Player{}, fmt.Errorf("%w: player line %q", query.ErrMalformed, line)
	}
	score, err := strconv.Atoi(parts[0])
	if err != nil {
		return query.Player{}, fmt.Errorf("%w: player score %q", query.ErrMalformed, parts[0])
	}
	ping, err := strconv.Atoi(parts[1])
	if err != nil {
		return query.Player{}, fmt.Errorf("%w: player ping %q", query.ErrMalformed, parts[1])
	}

	return query.Player{
		Name:  strings.Trim(parts[2], `"`),
		Score: score,
		Ping:  msec(ping),
	}, nil
}

// Q3Master lists servers of a Quake III master. The query argument is the
// protocol version.
type Q3Master struct{}

// StatusPacket implements query.StatusSender.
func (Q3Master) StatusPacket(t *query.Target) []byte {
	b := []byte("\xff\xff\xff\xffgetservers ")
	b = append(b, t.QueryArg...)
	return append(b, " empty full"...)
}

// Decode implements query.Adapter. The list spans several datagrams; the
// last one ends with \EOT.
func (Q3Master) Decode(t *query.Target, pkt []byte) (query.Outcome, error) {
	if !bytes.HasPrefix(pkt, q3MasterReply) {
		return query.Outcome{}, fmt.Errorf("%w: not a getserversResponse", query.ErrMalformed)
	}

	b := pkt[len(q3MasterReply):]
	for len(b) > 0 {
		if b[0] != '\\' {
			// Trailing padding.
			break
		}
		b = b[1:]
		if isEOT(b) {
			t.Answered(query.PhaseStatus)
			return query.Done(), nil
		}
		if len(b) < 6 {
			return query.Outcome{}, fmt.Errorf("%w: truncated server entry", query.ErrMalformed)
		}
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[:4])), binary.BigEndian.Uint16(b[4:6]))
		if addr.Addr().IsUnspecified() || addr.Port() == 0 {
			return query.Outcome{}, fmt.Errorf("%w: invalid server entry %s", query.ErrMalformed, addr)
		}
		t.AddServer(addr)
		b = b[6:]
	}

	return query.More(), nil
}

// isEOT reports whether b holds the list terminator, optionally nul padded.
func isEOT(b []byte) bool {
	if !bytes.HasPrefix(b, q3MasterTerminal) {
		return false
	}
	for _, c := range b[len(q3MasterTerminal):] {
		if c != 0 {
			return false
		}
	}
	return true
}
