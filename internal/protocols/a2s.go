package protocols

import (
	"fmt"
	"strconv"
	"time"

	"github.com/woozymasta/gsq/internal/query"
)

const (
	a2sSingle = -1
	a2sSplit  = -2

	a2sInfoRequest    = 0x54
	a2sPlayerRequest  = 0x55
	a2sRulesRequest   = 0x56
	a2sChallenge      = 0x41
	a2sInfoReply      = 0x49
	a2sGoldSrcInfo    = 0x6D
	a2sRulesReply     = 0x45
	a2sPlayerReply    = 0x44
	a2sCompressedBit  = 0x80000000
	a2sInfoPayload    = "Source Engine Query\x00"
	a2sNoChallengeLen = 4
)

var a2sHeader = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// Source speaks the Source engine query protocol (A2S). With GoldSrc set
// split packets use the Half-Life header that packs number and total into
// one byte.
type Source struct {
	GoldSrc bool
}

func a2sRequest(kind byte, payload string, challenge []byte) []byte {
	b := make([]byte, 0, 5+len(payload)+a2sNoChallengeLen)
	b = append(b, a2sHeader...)
	b = append(b, kind)
	b = append(b, payload...)
	return append(b, challenge...)
}

func challengeOrNone(t *query.Target) []byte {
	if len(t.Challenge) == a2sNoChallengeLen {
		return t.Challenge
	}
	return a2sHeader
}

// StatusPacket builds A2S_INFO, appending the challenge once one was issued.
func (s *Source) StatusPacket(t *query.Target) []byte {
	var challenge []byte
	if len(t.Challenge) == a2sNoChallengeLen {
		challenge = t.Challenge
	}
	return a2sRequest(a2sInfoRequest, a2sInfoPayload, challenge)
}

// RulesPacket builds A2S_RULES.
func (s *Source) RulesPacket(t *query.Target) []byte {
	return a2sRequest(a2sRulesRequest, "", challengeOrNone(t))
}

// PlayersPacket builds A2S_PLAYER.
func (s *Source) PlayersPacket(t *query.Target) []byte {
	return a2sRequest(a2sPlayerRequest, "", challengeOrNone(t))
}

// Decode implements query.Adapter.
func (s *Source) Decode(t *query.Target, pkt []byte) (query.Outcome, error) {
	r := &reader{b: pkt}
	switch r.int32() {
	case a2sSingle:
	case a2sSplit:
		return s.split(r)
	default:
		if r.err != nil {
			return query.Outcome{}, r.err
		}
		return query.Outcome{}, fmt.Errorf("%w: bad packet header", query.ErrMalformed)
	}

	kind := r.byte()
	if r.err != nil {
		return query.Outcome{}, r.err
	}

	switch kind {
	case a2sChallenge:
		challenge := r.bytes(a2sNoChallengeLen)
		if r.err != nil {
			return query.Outcome{}, r.err
		}
		t.Challenge = append(t.Challenge[:0], challenge...)
		phase := t.Outstanding()
		if phase == query.PhaseNone {
			phase = query.PhaseStatus
		}
		return query.Resend(phase), nil
	case a2sInfoReply:
		if err := decodeSourceInfo(t, r); err != nil {
			return query.Outcome{}, err
		}
		t.Answered(query.PhaseStatus)
	case a2sGoldSrcInfo:
		if err := decodeGoldSrcInfo(t, r); err != nil {
			return query.Outcome{}, err
		}
		t.Answered(query.PhaseStatus)
	case a2sRulesReply:
		if err := decodeRules(t, r); err != nil {
			return query.Outcome{}, err
		}
		t.Answered(query.PhaseRules)
	case a2sPlayerReply:
		if err := decodePlayers(t, r); err != nil {
			return query.Outcome{}, err
		}
		t.Answered(query.PhasePlayers)
	default:
		return query.Outcome{}, fmt.Errorf("%w: unknown reply type 0x%02x", query.ErrMalformed, kind)
	}

	return nextPhase(t), nil
}

// nextPhase asks for rules, then players, as requested for the run.
func nextPhase(t *query.Target) query.Outcome {
	if !t.HasAnswered(query.PhaseStatus) {
		return query.More()
	}
	if t.WantRules() && !t.HasAnswered(query.PhaseRules) {
		return query.Send(query.PhaseRules)
	}
	if t.WantPlayers() && !t.HasAnswered(query.PhasePlayers) {
		return query.Send(query.PhasePlayers)
	}
	return query.Done()
}

func (s *Source) split(r *reader) (query.Outcome, error) {
	id := uint32(r.int32())

	var number, total int
	if s.GoldSrc {
		b := r.byte()
		number, total = int(b>>4), int(b&0x0F)
	} else {
		total = int(r.byte())
		number = int(r.byte())
		if id&a2sCompressedBit != 0 {
			return query.Outcome{}, fmt.Errorf("%w: compressed split packets are not supported", query.ErrMalformed)
		}
		r.uint16() // max packet size
	}
	if r.err != nil {
		return query.Outcome{}, r.err
	}
	if total == 0 || number >= total {
		return query.Outcome{}, fmt.Errorf("%w: split packet %d of %d", query.ErrMalformed, number, total)
	}

	return query.Segment(query.Fragment{
		ID:    id,
		Index: number,
		Total: total,
		Data:  r.b,
	}), nil
}

func decodeSourceInfo(t *query.Target, r *reader) error {
	protocol := r.byte()
	t.Name = r.cstring()
	t.Map = r.cstring()
	folder := r.cstring()
	t.Game = r.cstring()
	appID := r.uint16()
	t.NumPlayers = int(r.byte())
	t.MaxPlayers = int(r.byte())
	bots := r.byte()
	serverType := r.byte()
	env := r.byte()
	visibility := r.byte()
	vac := r.byte()
	t.Version = r.cstring()
	if r.err != nil {
		return r.err
	}

	t.Rules.Set("protocol", strconv.Itoa(int(protocol)))
	t.Rules.Set("folder", folder)
	t.Rules.Set("appid", strconv.Itoa(int(appID)))
	t.Rules.Set("bots", strconv.Itoa(int(bots)))
	t.Rules.Set("dedicated", string(serverType))
	t.Rules.Set("os", string(env))
	t.Rules.Set("password", strconv.Itoa(int(visibility)))
	t.Rules.Set("secure", strconv.Itoa(int(vac)))

	if r.empty() {
		return nil
	}

	// Extra data flag.
	edf := r.byte()
	if edf&0x80 != 0 {
		t.Rules.Set("game_port", strconv.Itoa(int(r.uint16())))
	}
	if edf&0x10 != 0 {
		t.Rules.Set("steamid", strconv.FormatUint(r.uint64(), 10))
	}
	if edf&0x40 != 0 {
		t.Rules.Set("sourcetv_port", strconv.Itoa(int(r.uint16())))
		t.Rules.Set("sourcetv_name", r.cstring())
	}
	if edf&0x20 != 0 {
		t.Rules.Set("keywords", r.cstring())
	}
	if edf&0x01 != 0 {
		t.Rules.Set("gameid", strconv.FormatUint(r.uint64(), 10))
	}

	return r.err
}

func decodeGoldSrcInfo(t *query.Target, r *reader) error {
	address := r.cstring()
	t.Name = r.cstring()
	t.Map = r.cstring()
	folder := r.cstring()
	t.Game = r.cstring()
	t.NumPlayers = int(r.byte())
	t.MaxPlayers = int(r.byte())
	protocol := r.byte()
	if r.err != nil {
		return r.err
	}

	t.Rules.Set("address", address)
	t.Rules.Set("folder", folder)
	t.Rules.Set("protocol", strconv.Itoa(int(protocol)))
	return nil
}

func decodeRules(t *query.Target, r *reader) error {
	count := int(r.uint16())
	for i := 0; i < count && r.err == nil; i++ {
		name := r.cstring()
		value := r.cstring()
		if r.err == nil {
			t.Rules.Set(name, value)
		}
	}
	return r.err
}

func decodePlayers(t *query.Target, r *reader) error {
	count := int(r.byte())
	players := make([]query.Player, 0, count)
	for i := 0; i < count; i++ {
		r.byte() // index
		name := r.cstring()
		score := r.int32()
		seconds := r.float32()
		if r.err != nil {
			return r.err
		}
		players = append(players, query.Player{
			Name:     name,
			Score:    int(score),
			Duration: time.Duration(float64(seconds) * float64(time.Second)),
		})
	}
	t.SetPlayers(players)
	return nil
}
