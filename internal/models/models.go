// Package models defines the records persisted between runs.
package models

import (
	"time"

	"github.com/woozymasta/gsq/internal/query"
)

// Server is the last known state of a queried server.
type Server struct {
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Protocol    string    `json:"protocol"`
	IP          string    `json:"ip"`
	Host        string    `json:"host"`
	Status      string    `json:"status"`
	CountryCode string    `json:"country_code"`
	ServerName  string    `json:"server_name"`
	MapName     string    `json:"map_name"`
	GameName    string    `json:"game_name"`
	GameVersion string    `json:"game_version"`
	Port        int       `json:"port"`
	Players     int       `json:"players"`
	MaxPlayers  int       `json:"max_players"`
	PingMS      int64     `json:"ping_ms"`
	Count       int64     `json:"count"`
}

// Up reports whether the last query succeeded.
func (s Server) Up() bool {
	return s.Status == query.StatusUp.String()
}

// FromTarget converts a finalized target. Targets without an address
// (unresolved hosts) return false.
func FromTarget(t *query.Target, seen time.Time) (Server, bool) {
	if !t.Addr.IsValid() {
		return Server{}, false
	}

	host := t.Label
	if host == t.Addr.Addr().String() {
		host = ""
	}

	return Server{
		FirstSeen:   seen,
		LastSeen:    seen,
		Protocol:    t.Protocol.ID,
		IP:          t.Addr.Addr().String(),
		Host:        host,
		Status:      t.Status.String(),
		ServerName:  t.Name,
		MapName:     t.Map,
		GameName:    t.Game,
		GameVersion: t.Version,
		Port:        int(t.Addr.Port()),
		Players:     t.NumPlayers,
		MaxPlayers:  t.MaxPlayers,
		PingMS:      t.Ping().Milliseconds(),
	}, true
}
