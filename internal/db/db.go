// Package db is the local sqlite registry of running device proxies and of
// boards seen by the CLI.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite serialises writers anyway, and :memory: is per connection
	database.SetMaxOpenConns(1)

	if err := Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Migrate runs every embedded migration in name order. Statements are
// idempotent, so re-running is harmless.
func Migrate(database *sql.DB) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := database.Exec(string(stmt)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// Proxy is a process that owns a device connection and serves it to others.
type Proxy struct {
	DevicePath string
	Addr       string
	SessionID  string
	PID        int
	StartedAt  time.Time
}

func RegisterProxy(database *sql.DB, p Proxy) error {
	_, err := database.Exec(`INSERT INTO proxies (device_path, addr, session_id, pid, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_path) DO UPDATE SET
			addr = excluded.addr, session_id = excluded.session_id,
			pid = excluded.pid, started_at = excluded.started_at`,
		p.DevicePath, p.Addr, p.SessionID, p.PID, p.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("register proxy: %w", err)
	}
	return nil
}

// LookupProxy returns the proxy registered for devicePath, or sql.ErrNoRows.
func LookupProxy(database *sql.DB, devicePath string) (Proxy, error) {
	var p Proxy
	err := database.QueryRow(`SELECT device_path, addr, session_id, pid, started_at
		FROM proxies WHERE device_path = ?`, devicePath).
		Scan(&p.DevicePath, &p.Addr, &p.SessionID, &p.PID, &p.StartedAt)
	return p, err
}

// RemoveProxy deletes the entry only if it still belongs to sessionID, so a
// stale process cannot unregister its replacement.
func RemoveProxy(database *sql.DB, devicePath, sessionID string) error {
	_, err := database.Exec(`DELETE FROM proxies WHERE device_path = ? AND session_id = ?`, devicePath, sessionID)
	return err
}

func ListProxies(database *sql.DB) ([]Proxy, error) {
	rows, err := database.Query(`SELECT device_path, addr, session_id, pid, started_at
		FROM proxies ORDER BY device_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		var p Proxy
		if err := rows.Scan(&p.DevicePath, &p.Addr, &p.SessionID, &p.PID, &p.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Board is the last identity a device path reported.
type Board struct {
	DevicePath string
	Sysname    string
	Release    string
	Machine    string
	UniqueID   sql.NullString
	LastSeen   time.Time
}

func SaveBoard(database *sql.DB, b Board) error {
	_, err := database.Exec(`INSERT INTO boards (device_path, sysname, release, machine, unique_id, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_path) DO UPDATE SET
			sysname = excluded.sysname, release = excluded.release, machine = excluded.machine,
			unique_id = excluded.unique_id, last_seen = excluded.last_seen`,
		b.DevicePath, b.Sysname, b.Release, b.Machine, b.UniqueID, b.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("save board: %w", err)
	}
	return nil
}

func ListBoards(database *sql.DB) ([]Board, error) {
	rows, err := database.Query(`SELECT device_path, sysname, release, machine, unique_id, last_seen
		FROM boards ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Board
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.DevicePath, &b.Sysname, &b.Release, &b.Machine, &b.UniqueID, &b.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
