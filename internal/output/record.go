// Package output renders finalized targets.
package output

import (
	"net/netip"
	"time"

	"github.com/woozymasta/gsq/internal/query"
)

// Enricher resolves extra metadata for a server address.
type Enricher interface {
	CountryCode(addr netip.Addr) string
}

// Player is the rendered form of query.Player.
type Player struct {
	Name     string  `json:"name"`
	Team     string  `json:"team,omitempty"`
	Score    int     `json:"score"`
	PingMS   int64   `json:"ping_ms,omitempty"`
	Duration float64 `json:"duration_s,omitempty"`
}

// Record is a read-only snapshot of a finalized target.
type Record struct {
	Rules      map[string]string `json:"rules,omitempty"`
	Protocol   string            `json:"protocol"`
	Address    string            `json:"address"`
	Host       string            `json:"host,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Name       string            `json:"name,omitempty"`
	Map        string            `json:"map,omitempty"`
	Game       string            `json:"game,omitempty"`
	Version    string            `json:"version,omitempty"`
	Country    string            `json:"country,omitempty"`
	PlayerList []Player          `json:"player_list,omitempty"`
	Servers    []string          `json:"servers,omitempty"`
	Players    int               `json:"players"`
	MaxPlayers int               `json:"max_players"`
	PingMS     int64             `json:"ping_ms"`
	Retries    int               `json:"retries"`
	Partial    bool              `json:"partial,omitempty"`

	target *query.Target
}

// NewRecord snapshots t. enr may be nil.
func NewRecord(t *query.Target, enr Enricher) Record {
	r := Record{
		Protocol:   t.Protocol.ID,
		Host:       t.Label,
		Status:     t.Status.String(),
		Name:       t.Name,
		Map:        t.Map,
		Game:       t.Game,
		Version:    t.Version,
		Players:    t.NumPlayers,
		MaxPlayers: t.MaxPlayers,
		PingMS:     t.Ping().Milliseconds(),
		Retries:    t.RetriesUsed(),
		Partial:    t.Partial,
		target:     t,
	}
	if t.Addr.IsValid() {
		r.Address = t.Addr.String()
		if enr != nil {
			r.Country = enr.CountryCode(t.Addr.Addr())
		}
	}
	if r.Host == r.Address || (t.Addr.IsValid() && r.Host == t.Addr.Addr().String()) {
		r.Host = ""
	}
	if t.Err != nil && t.Status != query.StatusUp {
		r.Error = t.Err.Error()
	}

	if t.Rules.Len() > 0 {
		r.Rules = make(map[string]string, t.Rules.Len())
		for _, rule := range t.Rules.All() {
			r.Rules[rule.Name] = rule.Value
		}
	}
	for _, p := range t.Players {
		r.PlayerList = append(r.PlayerList, Player{
			Name:     p.Name,
			Team:     p.Team,
			Score:    p.Score,
			PingMS:   p.Ping.Milliseconds(),
			Duration: p.Duration.Round(time.Second).Seconds(),
		})
	}
	for _, s := range t.Servers {
		r.Servers = append(r.Servers, s.String())
	}

	return r
}

// Target returns the underlying target for renderers that need ordered rules.
func (r Record) Target() *query.Target {
	return r.target
}

// Label returns the host name, or the address when there is none.
func (r Record) Label() string {
	if r.Host != "" {
		return r.Host
	}
	if r.Address != "" {
		return r.Address
	}
	return "-"
}
