package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	_ "modernc.org/sqlite"
)

// SQLite persists credentials in a single table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS credentials (
  destination TEXT PRIMARY KEY,
  token       TEXT NOT NULL,
  aux         JSON NOT NULL DEFAULT '{}',
  expires_at  TEXT,
  updated_at  TEXT NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (map[xpost.Destination]xpost.Credential, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT destination, token, aux, expires_at FROM credentials;")
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[xpost.Destination]xpost.Credential)
	for rows.Next() {
		var (
			dest, token, aux string
			expires          sql.NullString
		)
		if err := rows.Scan(&dest, &token, &aux, &expires); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		cred := xpost.Credential{Token: token}
		if err := json.Unmarshal([]byte(aux), &cred.Aux); err != nil {
			return nil, fmt.Errorf("decode aux for %s: %w", dest, err)
		}
		if expires.Valid && expires.String != "" {
			ts, err := time.Parse(time.RFC3339Nano, expires.String)
			if err != nil {
				return nil, fmt.Errorf("decode expires_at for %s: %w", dest, err)
			}
			cred.ExpiresAt = &ts
		}
		out[xpost.Destination(dest)] = cred
	}
	return out, rows.Err()
}

func (s *SQLite) Save(ctx context.Context, dest xpost.Destination, cred xpost.Credential) error {
	aux := cred.Aux
	if aux == nil {
		aux = map[string]string{}
	}
	raw, err := json.Marshal(aux)
	if err != nil {
		return fmt.Errorf("encode aux: %w", err)
	}
	var expires sql.NullString
	if cred.ExpiresAt != nil {
		expires = sql.NullString{String: cred.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO credentials (destination, token, aux, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(destination) DO UPDATE SET
  token = excluded.token,
  aux = excluded.aux,
  expires_at = excluded.expires_at,
  updated_at = excluded.updated_at;`, string(dest), cred.Token, string(raw), expires, now)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, dest xpost.Destination) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE destination = ?;", string(dest)); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
