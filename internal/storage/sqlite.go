package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tls-chameleon/internal/types"
)

// SQLiteStorage keeps one row per proxy
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS proxy_health (
		proxy      TEXT PRIMARY KEY,
		health     TEXT NOT NULL,
		suspects   INTEGER NOT NULL DEFAULT 0,
		last_check TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS pool_meta (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snapshot *types.PoolSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// the table mirrors the pool, so proxies dropped from it go too
	if _, err := tx.Exec("DELETE FROM proxy_health"); err != nil {
		return fmt.Errorf("clear proxy health: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO proxy_health (proxy, health, suspects, last_check) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range snapshot.Proxies {
		if _, err := stmt.Exec(p.Proxy, p.Health.String(), p.Suspects, p.LastCheck); err != nil {
			return fmt.Errorf("insert %s: %w", p.Proxy, err)
		}
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO pool_meta (id, updated_at) VALUES (1, ?)", snapshot.Updated); err != nil {
		return fmt.Errorf("update meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Load() (*types.PoolSnapshot, error) {
	var updated time.Time
	err := s.db.QueryRow("SELECT updated_at FROM pool_meta WHERE id = 1").Scan(&updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query meta: %w", err)
	}

	rows, err := s.db.Query("SELECT proxy, health, suspects, last_check FROM proxy_health ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("query proxy health: %w", err)
	}
	defer rows.Close()

	snap := &types.PoolSnapshot{Updated: updated}
	for rows.Next() {
		var (
			p         types.ProxyHealth
			health    string
			lastCheck sql.NullTime
		)
		if err := rows.Scan(&p.Proxy, &health, &p.Suspects, &lastCheck); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := p.Health.UnmarshalText([]byte(health)); err != nil {
			return nil, fmt.Errorf("proxy %s: %w", p.Proxy, err)
		}
		if lastCheck.Valid {
			p.LastCheck = lastCheck.Time
		}
		snap.Proxies = append(snap.Proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return snap, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
