package protocols

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/woozymasta/gsq/internal/query"
)

var mclPing = []byte{0xFE, 0x01}

const mclKick = 0xFF

// MinecraftLegacy implements the pre-1.7 server list ping over TCP.
// The reply is a kick packet carrying a UTF-16BE string.
type MinecraftLegacy struct{}

// StatusPacket implements query.StatusSender.
func (MinecraftLegacy) StatusPacket(*query.Target) []byte {
	return mclPing
}

// Decode implements query.Adapter. pkt is the whole stream received so far.
func (MinecraftLegacy) Decode(t *query.Target, pkt []byte) (query.Outcome, error) {
	if len(pkt) < 3 {
		return query.More(), nil
	}
	if pkt[0] != mclKick {
		return query.Outcome{}, fmt.Errorf("%w: unexpected packet id 0x%02x", query.ErrMalformed, pkt[0])
	}

	n := int(binary.BigEndian.Uint16(pkt[1:3]))
	if len(pkt) < 3+2*n {
		return query.More(), nil
	}

	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(pkt[3+2*i:])
	}
	if err := decodeKick(t, string(utf16.Decode(units))); err != nil {
		return query.Outcome{}, err
	}

	t.Answered(query.PhaseStatus)
	return query.Done(), nil
}

// decodeKick handles both the 1.4+ format (§1\0proto\0version\0motd\0online\0max)
// and the beta format (motd§online§max).
func decodeKick(t *query.Target, s string) error {
	var online, limit string
	if strings.HasPrefix(s, "§1\x00") {
		f := strings.Split(s, "\x00")
		if len(f) != 6 {
			return fmt.Errorf("%w: %d kick fields", query.ErrMalformed, len(f))
		}
		t.Rules.Set("protocol", f[1])
		t.Version = f[2]
		t.Name = f[3]
		online, limit = f[4], f[5]
	} else {
		f := strings.Split(s, "§")
		if len(f) < 3 {
			return fmt.Errorf("%w: %d kick fields", query.ErrMalformed, len(f))
		}
		t.Name = strings.Join(f[:len(f)-2], "§")
		online, limit = f[len(f)-2], f[len(f)-1]
	}

	var err error
	if t.NumPlayers, err = strconv.Atoi(online); err != nil {
		return fmt.Errorf("%w: player count %q", query.ErrMalformed, online)
	}
	if t.MaxPlayers, err = strconv.Atoi(limit); err != nil {
		return fmt.Errorf("%w: max players %q", query.ErrMalformed, limit)
	}
	t.Game = "minecraft"
	return nil
}
