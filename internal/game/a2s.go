// Package game provides a direct A2S client for re-checking stored servers
// outside of an engine run.
package game

import (
	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/gsq/internal/config"
	"github.com/woozymasta/gsq/internal/models"
)

// QueryServer connects to a game server via UDP and requests A2S_INFO.
func QueryServer(ip string, port int, options config.A2S) (*a2s.Info, error) {
	client, err := a2s.New(ip, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = options.BufferSize
	client.Timeout = options.Timeout

	return client.GetInfo()
}

// Apply copies the server details of an A2S_INFO reply into s.
func Apply(s *models.Server, info *a2s.Info) {
	s.ServerName = info.Name
	s.MapName = info.Map
	s.GameName = info.Game
	s.GameVersion = info.Version
	s.Players = int(info.Players)
	s.MaxPlayers = int(info.MaxPlayers)
}
