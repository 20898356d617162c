package protocols

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/woozymasta/gsq/internal/query"
)

// Steam master regions.
const (
	RegionUSEast       byte = 0x00
	RegionUSWest       byte = 0x01
	RegionSouthAmerica byte = 0x02
	RegionEurope       byte = 0x03
	RegionAsia         byte = 0x04
	RegionAustralia    byte = 0x05
	RegionMiddleEast   byte = 0x06
	RegionAfrica       byte = 0x07
	RegionAll          byte = 0xFF
)

const steamMasterQuery = 0x31

var (
	steamMasterReply = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x66, 0x0A}
	steamFirstSeed   = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
)

// SteamMaster pages through the Steam master server list. The query
// argument is the filter string (e.g. `\appid\221100`).
type SteamMaster struct {
	Region byte
}

// StatusPacket requests the page that follows the last received entry.
func (s *SteamMaster) StatusPacket(t *query.Target) []byte {
	seed := t.Seed
	if !seed.IsValid() {
		seed = steamFirstSeed
	}
	b := []byte{steamMasterQuery, s.Region}
	b = append(b, seed.String()...)
	b = append(b, 0)
	b = append(b, t.QueryArg...)
	return append(b, 0)
}

// Decode implements query.Adapter. Every page but the last asks for the
// next one; 0.0.0.0:0 ends the list.
func (s *SteamMaster) Decode(t *query.Target, pkt []byte) (query.Outcome, error) {
	if !bytes.HasPrefix(pkt, steamMasterReply) {
		return query.Outcome{}, fmt.Errorf("%w: not a master server reply", query.ErrMalformed)
	}

	b := pkt[len(steamMasterReply):]
	if len(b)%6 != 0 {
		return query.Outcome{}, fmt.Errorf("%w: truncated server entry", query.ErrMalformed)
	}

	var last netip.AddrPort
	for ; len(b) >= 6; b = b[6:] {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte(b[:4])), binary.BigEndian.Uint16(b[4:6]))
		if addr == steamFirstSeed {
			t.Answered(query.PhaseStatus)
			return query.Done(), nil
		}
		t.AddServer(addr)
		last = addr
	}

	if !last.IsValid() || last == t.Seed {
		return query.More(), nil
	}
	t.Seed = last
	return query.Resend(query.PhaseStatus), nil
}
