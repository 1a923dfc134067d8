// Package federation implements the HQ/remote peer model
// §4.10: a remote registers its sessions with an aggregating HQ server,
// which health-checks peers, merges their session lists into its own
// view, and transparently proxies operations on remote-owned sessions.
// The peer registry is the one place SPEC_FULL.md keeps the teacher's
// sqlite persistence (internal/store/store.go's sql.Open("sqlite",...)
// pattern), since it is genuinely durable state that must survive an HQ
// restart — everything else in the engine is filesystem-backed instead.
package federation

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibetunnel/server/internal/vterr"
)

// Peer is a registered remote server ("Remote Peer").
//
// Token is kept in plaintext because HQ must present it as a bearer
// credential when it proxies requests to the remote (
// "proxied with the peer's bearer token") — unlike the teacher's wing
// tokens, which only ever flow one direction (wing -> relay) and so can
// be stored bcrypt-only. TokenHash/TokenPrefix still guard
// re-registration: a second POST /remotes/register for the same id must
// present the original token before baseUrl/name can change, verified
// via bcrypt rather than a plaintext comparison.
type Peer struct {
	ID string `json:"id"`
	Name string `json:"name"`
	BaseURL string `json:"baseUrl"`
	Token string `json:"-"`
	TokenHash string `json:"-"`
	TokenPrefix string `json:"tokenPrefix"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastHealthy time.Time `json:"lastHealthy"`
	Healthy bool `json:"healthy"`
	Failures int `json:"-"`
}

// Store is the sqlite-backed peer registry.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the peer registry at path, following
// the teacher's internal/store/store.go sql.Open + inline-schema pattern.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vterr.Wrap(vterr.ConfigError, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, vterr.Wrap(vterr.ConfigError, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		token TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		token_prefix TEXT NOT NULL,
		registered_at DATETIME NOT NULL,
		last_healthy DATETIME
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return vterr.Wrap(vterr.ConfigError, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or replaces a peer's registration row.
func (s *Store) Upsert(p *Peer) error {
	_, err := s.db.Exec(`
		INSERT INTO peers (id, name, base_url, token, token_hash, token_prefix, registered_at, last_healthy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, base_url=excluded.base_url,
			token=excluded.token, token_hash=excluded.token_hash, token_prefix=excluded.token_prefix,
			registered_at=excluded.registered_at`,
		p.ID, p.Name, p.BaseURL, p.Token, p.TokenHash, p.TokenPrefix, p.RegisteredAt, p.LastHealthy)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// Delete removes a peer's registration row.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM peers WHERE id = ?`, id)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}

// List returns every registered peer.
func (s *Store) List() ([]*Peer, error) {
	rows, err := s.db.Query(`SELECT id, name, base_url, token, token_hash, token_prefix, registered_at, last_healthy FROM peers`)
	if err != nil {
		return nil, vterr.Wrap(vterr.IoError, err)
	}
	defer rows.Close()

	var peers []*Peer
	for rows.Next() {
		p := &Peer{}
		var lastHealthy sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Token, &p.TokenHash, &p.TokenPrefix, &p.RegisteredAt, &lastHealthy); err != nil {
			return nil, vterr.Wrap(vterr.IoError, err)
		}
		if lastHealthy.Valid {
			p.LastHealthy = lastHealthy.Time
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// UpdateLastHealthy persists the last time a peer answered a health check.
func (s *Store) UpdateLastHealthy(id string, t time.Time) error {
	_, err := s.db.Exec(`UPDATE peers SET last_healthy = ? WHERE id = ?`, t, id)
	if err != nil {
		return vterr.Wrap(vterr.IoError, err)
	}
	return nil
}
