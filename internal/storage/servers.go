package storage

import (
	"database/sql"
	"errors"

	"github.com/woozymasta/gsq/internal/models"
)

const serverColumns = `
	protocol, ip, port, host, status, country_code,
	server_name, map_name, game_name, game_version, players, max_players, ping_ms,
	count, first_seen, last_seen`

// UpsertServer inserts a server or updates the existing row keyed by protocol, IP and port.
// Server details are only overwritten by a successful query.
func (r *Repository) UpsertServer(s models.Server) error {
	query := `
	INSERT INTO servers (` + serverColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(protocol, ip, port) DO UPDATE SET
		count = count + 1,
		last_seen = excluded.last_seen,
		status = excluded.status,
		host = CASE WHEN excluded.host != '' THEN excluded.host ELSE servers.host END,
		country_code = CASE WHEN excluded.country_code != '' THEN excluded.country_code ELSE servers.country_code END,

		server_name  = CASE WHEN excluded.status = 'up' THEN excluded.server_name ELSE servers.server_name END,
		map_name     = CASE WHEN excluded.status = 'up' THEN excluded.map_name ELSE servers.map_name END,
		game_name    = CASE WHEN excluded.status = 'up' THEN excluded.game_name ELSE servers.game_name END,
		game_version = CASE WHEN excluded.status = 'up' THEN excluded.game_version ELSE servers.game_version END,
		players      = CASE WHEN excluded.status = 'up' THEN excluded.players ELSE servers.players END,
		max_players  = CASE WHEN excluded.status = 'up' THEN excluded.max_players ELSE servers.max_players END,
		ping_ms      = CASE WHEN excluded.status = 'up' THEN excluded.ping_ms ELSE servers.ping_ms END;
	`

	_, err := r.db.Exec(query,
		s.Protocol, s.IP, s.Port, s.Host, s.Status, s.CountryCode,
		s.ServerName, s.MapName, s.GameName, s.GameVersion, s.Players, s.MaxPlayers, s.PingMS,
		s.FirstSeen.UTC(), s.LastSeen.UTC(),
	)
	return err
}

// GetServers lists stored servers, newest first.
// An empty protocol matches every protocol; onlyDown limits the result to
// servers whose last query failed.
func (r *Repository) GetServers(protocol string, onlyDown bool) ([]models.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE 1=1`
	var args []any

	if protocol != "" {
		query += ` AND protocol = ?`
		args = append(args, protocol)
	}
	if onlyDown {
		query += ` AND status != 'up'`
	}
	query += ` ORDER BY last_seen DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return servers, nil
}

// GetServer returns one server, or nil when it is not stored.
func (r *Repository) GetServer(protocol, ip string, port int) (*models.Server, error) {
	row := r.db.QueryRow(`SELECT `+serverColumns+` FROM servers WHERE protocol = ? AND ip = ? AND port = ?`,
		protocol, ip, port)

	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteServer removes one server.
func (r *Repository) DeleteServer(protocol, ip string, port int) error {
	_, err := r.db.Exec(`DELETE FROM servers WHERE protocol = ? AND ip = ? AND port = ?`, protocol, ip, port)
	return err
}

// DeleteDownServers removes servers whose last query failed.
// An empty protocol matches every protocol.
func (r *Repository) DeleteDownServers(protocol string) (int64, error) {
	query := `DELETE FROM servers WHERE status != 'up'`
	var args []any

	if protocol != "" {
		query += ` AND protocol = ?`
		args = append(args, protocol)
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (models.Server, error) {
	var s models.Server
	err := row.Scan(
		&s.Protocol, &s.IP, &s.Port, &s.Host, &s.Status, &s.CountryCode,
		&s.ServerName, &s.MapName, &s.GameName, &s.GameVersion, &s.Players, &s.MaxPlayers, &s.PingMS,
		&s.Count, &s.FirstSeen, &s.LastSeen,
	)
	return s, err
}
