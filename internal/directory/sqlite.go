// ABOUTME: SQLite implementation of the authorized-server directory using modernc.org/sqlite
// ABOUTME: Backs host authorization checks and the admin server-management endpoints.

package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrServerNotFound is returned when a hostname has no directory entry.
var ErrServerNotFound = errors.New("server not found")

// ErrDuplicateServer is returned when registering a hostname that already exists.
var ErrDuplicateServer = errors.New("server already registered")

// Server is one authorized agent host in the directory.
type Server struct {
	Hostname     string
	AppCode      string
	RegisteredAt time.Time
}

// SQLiteDirectory implements the authorized-host directory on SQLite.
// Authorization is re-checked against the database on every call so that a
// revoked host stops resolving immediately; nothing is cached here.
type SQLiteDirectory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteDirectory opens (or creates) the directory database at the given
// path. Parent directories are created if needed; ":memory:" is supported for
// tests.
func NewSQLiteDirectory(path string, logger *slog.Logger) (*SQLiteDirectory, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	d := &SQLiteDirectory{
		db:     db,
		logger: logger.With("component", "directory"),
	}
	if err := d.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	d.logger.Info("server directory initialized", "path", path)
	return d, nil
}

func (d *SQLiteDirectory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS servers (
			hostname TEXT PRIMARY KEY,
			app_code TEXT NOT NULL DEFAULT '',
			registered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := d.db.Exec(schema)
	return err
}

// IsAuthorized reports whether the hostname is a registered agent-eligible
// server. Unknown hostnames are not an error; they are simply unauthorized.
func (d *SQLiteDirectory) IsAuthorized(ctx context.Context, hostname string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		"SELECT 1 FROM servers WHERE hostname = ?", hostname).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying server %q: %w", hostname, err)
	}
	return true, nil
}

// AddServer registers a hostname as agent-eligible.
func (d *SQLiteDirectory) AddServer(ctx context.Context, hostname, appCode string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO servers (hostname, app_code, registered_at) VALUES (?, ?, ?)",
		hostname, appCode, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting server %q: %w", hostname, err)
	}
	d.logger.Info("server registered", "hostname", hostname, "app_code", appCode)
	return nil
}

// RemoveServer revokes a hostname. Subsequent authorization checks fail and
// no new sessions can target it; existing sessions are unaffected.
func (d *SQLiteDirectory) RemoveServer(ctx context.Context, hostname string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM servers WHERE hostname = ?", hostname)
	if err != nil {
		return fmt.Errorf("deleting server %q: %w", hostname, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting server %q: %w", hostname, err)
	}
	if n == 0 {
		return ErrServerNotFound
	}
	d.logger.Info("server revoked", "hostname", hostname)
	return nil
}

// ListServers returns all directory entries ordered by hostname.
func (d *SQLiteDirectory) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT hostname, app_code, registered_at FROM servers ORDER BY hostname")
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.Hostname, &s.AppCode, &s.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scanning server row: %w", err)
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// Close releases the underlying database handle.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// isUniqueViolation detects primary-key conflicts from modernc.org/sqlite,
// which reports constraint failures only in the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
