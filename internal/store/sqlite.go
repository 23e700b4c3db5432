package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore keeps verdicts in two SQLite tables.
type SQLStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS verified (
	ip_address  TEXT PRIMARY KEY,
	verified_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS blacklisted (
	ip_address TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL,
	offenses   INTEGER NOT NULL
);`

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers; SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT ip_address, verified_at FROM verified ORDER BY verified_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query verified players: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			ip string
			ms int64
		)
		if err := rows.Scan(&ip, &ms); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue // written by something else; not ours to fix
		}
		out = append(out, Record{Addr: addr, VerifiedAt: time.UnixMilli(ms)})
	}
	return out, rows.Err()
}

func (s *SQLStore) Add(ctx context.Context, addr netip.Addr, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO verified(ip_address, verified_at) VALUES (?, ?)",
		addr.String(), at.UnixMilli())
	return err
}

func (s *SQLStore) Remove(ctx context.Context, addr netip.Addr) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"verified", "blacklisted"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE ip_address = ?", addr.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM verified WHERE verified_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) LoadBans(ctx context.Context) ([]Ban, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT ip_address, expires_at, offenses FROM blacklisted ORDER BY expires_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var (
			ip       string
			ms       int64
			offenses int
		)
		if err := rows.Scan(&ip, &ms, &offenses); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		out = append(out, Ban{Addr: addr, Expiry: time.UnixMilli(ms), Offenses: offenses})
	}
	return out, rows.Err()
}

func (s *SQLStore) AddBan(ctx context.Context, b Ban) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO blacklisted(ip_address, expires_at, offenses) VALUES (?, ?, ?)",
		b.Addr.String(), b.Expiry.UnixMilli(), b.Offenses)
	return err
}

func (s *SQLStore) PruneBans(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blacklisted WHERE expires_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error { return s.db.Close() }
