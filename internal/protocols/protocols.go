// Package protocols provides the builtin query adapters.
package protocols

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/woozymasta/gsq/internal/query"
)

// Protocol ids of the builtin adapters.
const (
	A2S       = "a2s"
	GoldSrc   = "hl"
	Quake3    = "q3s"
	Quake3M   = "q3m"
	SteamM    = "stm"
	Minecraft = "mcl"
)

// Builtin returns fresh table entries for every builtin protocol.
func Builtin() []*query.Protocol {
	return []*query.Protocol{
		{
			ID:          A2S,
			Name:        "Source Engine",
			DefaultPort: 27015,
			Flags:       query.FlagBroadcast,
			Adapter:     &Source{},
		},
		{
			ID:          GoldSrc,
			Name:        "Half-Life (GoldSrc)",
			DefaultPort: 27015,
			Flags:       query.FlagBroadcast,
			Adapter:     &Source{GoldSrc: true},
		},
		{
			ID:          Quake3,
			Name:        "Quake III Arena",
			DefaultPort: 27960,
			Flags:       query.FlagSingleQuery | query.FlagBroadcast,
			Adapter:     &Q3Status{},
		},
		{
			ID:          Quake3M,
			Name:        "Quake III Master",
			DefaultPort: 27950,
			MasterOf:    Quake3,
			QueryArg:    "68",
			Flags:       query.FlagMaster | query.FlagNeedsQueryArg,
			Adapter:     &Q3Master{},
		},
		{
			ID:          SteamM,
			Name:        "Steam Master",
			DefaultPort: 27011,
			MasterOf:    A2S,
			Flags:       query.FlagMaster,
			Adapter:     &SteamMaster{Region: RegionAll},
		},
		{
			ID:          Minecraft,
			Name:        "Minecraft (legacy ping)",
			DefaultPort: 25565,
			Flags:       query.FlagTCP | query.FlagSingleQuery,
			Adapter:     &MinecraftLegacy{},
		},
	}
}

// Register adds every builtin protocol to tbl.
func Register(tbl *query.Table) error {
	for _, p := range Builtin() {
		if err := tbl.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// reader is a little endian cursor with a sticky error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: short %s", query.ErrMalformed, what)
	}
	r.b = nil
}

func (r *reader) byte() byte {
	if len(r.b) < 1 {
		r.fail("byte")
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) uint16() uint16 {
	if len(r.b) < 2 {
		r.fail("short")
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v
}

func (r *reader) int32() int32 {
	if len(r.b) < 4 {
		r.fail("long")
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.b))
	r.b = r.b[4:]
	return v
}

func (r *reader) uint64() uint64 {
	if len(r.b) < 8 {
		r.fail("long long")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v
}

func (r *reader) float32() float32 {
	return math.Float32frombits(uint32(r.int32()))
}

func (r *reader) cstring() string {
	i := bytes.IndexByte(r.b, 0)
	if i < 0 {
		r.fail("string")
		return ""
	}
	v := string(r.b[:i])
	r.b = r.b[i+1:]
	return v
}

func (r *reader) bytes(n int) []byte {
	if len(r.b) < n {
		r.fail("field")
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *reader) empty() bool {
	return len(r.b) == 0
}

func msec(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
