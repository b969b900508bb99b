// Package integrity is the gate every store-touching RPC call passes
// through first: it runs a cheap corruption probe against the row
// store, and once that probe ever fails, it freezes the project by
// writing a marker sidecar that every subsequent Check call honors
// without touching the store again.
package integrity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oxhq/codetree/internal/backup"
)

// AllowList is the set of RPC method names that remain legal while a
// corruption marker is present: status inspection plus the
// backup/restore recovery subset.
var AllowList = []string{
	"integrity.status",
	"integrity.backup",
	"integrity.repair",
	"integrity.restore",
}

// Marker is the corruption-marker sidecar's content, the sole source
// of truth for whether a project is currently frozen.
type Marker struct {
	Message     string    `json:"message"`
	DetectedAt  time.Time `json:"detected_at"`
	BackupPaths []string  `json:"backup_paths"`
}

// ErrCorrupted is returned by Check once a project is frozen. It
// carries everything a caller needs to report a database-error
// response with details.marker_path set.
type ErrCorrupted struct {
	MarkerPath  string
	BackupPaths []string
	AllowList   []string
	Message     string
}

func (e *ErrCorrupted) Error() string {
	return fmt.Sprintf("integrity: store frozen since %s (marker %s)", e.Message, e.MarkerPath)
}

// Gate runs the integrity probe and owns the freeze/marker lifecycle
// for one store file.
type Gate struct {
	DSN         string
	MarkerPath  string
	Backup      *backup.Store
	OnCorrupted func() // notifies the worker manager to stop; may be nil
}

// NewGate returns a Gate for the sqlite/postgres store at dsn. marker
// is the corruption-marker sidecar path; by convention it sits beside
// the store file as "<store>.corrupt.json".
func NewGate(dsn, markerPath string, backupStore *backup.Store, onCorrupted func()) *Gate {
	return &Gate{DSN: dsn, MarkerPath: markerPath, Backup: backupStore, OnCorrupted: onCorrupted}
}

// Check runs the integrity probe, or short-circuits to the existing
// ErrCorrupted if a marker is already present — it never re-runs the
// probe once frozen.
func (g *Gate) Check(ctx context.Context) error {
	if marker, err := g.readMarker(); err == nil {
		return &ErrCorrupted{
			MarkerPath:  g.MarkerPath,
			BackupPaths: marker.BackupPaths,
			AllowList:   AllowList,
			Message:     marker.Message,
		}
	}

	if err := g.probe(ctx); err != nil {
		return g.freeze(ctx, err)
	}
	return nil
}

// probe runs the cheapest corruption check available for the
// backend: PRAGMA integrity_check for sqlite, SELECT 1 for postgres.
func (g *Gate) probe(ctx context.Context) error {
	if isPostgres(g.DSN) {
		return probePostgres(ctx, g.DSN)
	}
	return probeSQLite(ctx, g.DSN)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func probeSQLite(ctx context.Context, dsn string) error {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == ":memory:" {
		return nil // nothing on disk to corrupt
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // not created yet, nothing to check
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("integrity: open read-only: %w", err)
	}
	defer db.Close()

	var result string
	row := db.QueryRowContext(ctx, "PRAGMA integrity_check;")
	if err := row.Scan(&result); err != nil {
		return fmt.Errorf("integrity: run integrity_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity: integrity_check reported: %s", result)
	}
	return nil
}

func probePostgres(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("integrity: open: %w", err)
	}
	defer db.Close()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("integrity: catalog probe: %w", err)
	}
	return nil
}

// freeze runs the four corruption steps: backup, marker, worker-stop
// signal, typed error — in that order, so the marker always names a
// backup that actually exists by the time a reader sees it.
func (g *Gate) freeze(ctx context.Context, cause error) error {
	var backupPaths []string
	if g.Backup != nil {
		if path := storePathFromDSN(g.DSN); path != "" {
			if id, err := g.Backup.Create(path); err == nil {
				backupPaths = append(backupPaths, id)
			}
			for _, sidecar := range []string{path + "-wal", path + "-shm"} {
				if _, statErr := os.Stat(sidecar); statErr == nil {
					if id, err := g.Backup.Create(sidecar); err == nil {
						backupPaths = append(backupPaths, id)
					}
				}
			}
		}
	}

	marker := Marker{Message: cause.Error(), DetectedAt: time.Now().UTC(), BackupPaths: backupPaths}
	if err := g.writeMarker(marker); err != nil {
		return fmt.Errorf("integrity: write corruption marker: %w", err)
	}

	if g.OnCorrupted != nil {
		g.OnCorrupted()
	}

	return &ErrCorrupted{MarkerPath: g.MarkerPath, BackupPaths: backupPaths, AllowList: AllowList, Message: marker.Message}
}

func storePathFromDSN(dsn string) string {
	if isURLScheme(dsn) {
		return ""
	}
	return strings.TrimPrefix(dsn, "sqlite://")
}

func isURLScheme(dsn string) bool {
	return strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "sqlite://")
}

func (g *Gate) readMarker() (*Marker, error) {
	data, err := os.ReadFile(g.MarkerPath)
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (g *Gate) writeMarker(m Marker) error {
	if err := os.MkdirAll(filepath.Dir(g.MarkerPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(g.MarkerPath, data, 0o644)
}

// Repair clears the marker after an operator has restored a good
// backup by hand — this is the only way out of a frozen state.
func (g *Gate) Repair() error {
	if err := os.Remove(g.MarkerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("integrity: remove marker: %w", err)
	}
	return nil
}

// Restore clears the marker and restores the named backup id back
// onto the store path.
func (g *Gate) Restore(backupID string) error {
	if g.Backup == nil {
		return fmt.Errorf("integrity: no backup store configured")
	}
	if err := g.Backup.Restore(backupID); err != nil {
		return fmt.Errorf("integrity: restore %s: %w", backupID, err)
	}
	return g.Repair()
}

// Status reports whether the project is currently frozen.
func (g *Gate) Status() (frozen bool, marker *Marker) {
	m, err := g.readMarker()
	if err != nil {
		return false, nil
	}
	return true, m
}
