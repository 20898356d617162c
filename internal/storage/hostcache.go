package storage

import (
	"database/sql"
	"errors"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
)

// LookupHost returns the cached address of a host name.
func (r *Repository) LookupHost(name string) (netip.Addr, bool) {
	var (
		address string
		updated time.Time
	)
	err := r.db.QueryRow(`SELECT address, updated_at FROM hostcache WHERE name = ?`, name).Scan(&address, &updated)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("host", name).Msg("Host cache lookup failed")
		}
		return netip.Addr{}, false
	}
	if r.expired(updated) {
		return netip.Addr{}, false
	}

	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// LookupAddr returns the most recently cached name for an address.
func (r *Repository) LookupAddr(addr netip.Addr) (string, bool) {
	var (
		name    string
		updated time.Time
	)
	err := r.db.QueryRow(`
		SELECT name, updated_at FROM hostcache
		WHERE address = ?
		ORDER BY updated_at DESC
		LIMIT 1`, addr.Unmap().String()).Scan(&name, &updated)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("addr", addr.String()).Msg("Host cache reverse lookup failed")
		}
		return "", false
	}
	if r.expired(updated) {
		return "", false
	}
	return name, true
}

// InsertHost records or refreshes a name to address mapping.
func (r *Repository) InsertHost(name string, addr netip.Addr) error {
	_, err := r.db.Exec(`
		INSERT INTO hostcache (name, address, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			updated_at = excluded.updated_at`,
		name, addr.Unmap().String(), r.now().UTC())
	return err
}

// PruneHosts removes expired host cache entries.
func (r *Repository) PruneHosts() (int64, error) {
	if r.HostTTL <= 0 {
		return 0, nil
	}

	res, err := r.db.Exec(`DELETE FROM hostcache WHERE updated_at < ?`, r.now().UTC().Add(-r.HostTTL))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) expired(updated time.Time) bool {
	return r.HostTTL > 0 && r.now().Sub(updated) > r.HostTTL
}
