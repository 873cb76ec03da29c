// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the supervisor binary stays
// fully static for the in-vehicle image.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db        *sql.DB
	retention int
}

// Open opens (or creates) the SQLite database at path and applies migrations.
// retention is the per-app console log ring size in rows.
func Open(path string, retention int) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if retention <= 0 {
		retention = 1000
	}
	s := &DB{db: db, retention: retention}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			app_id        TEXT    PRIMARY KEY,
			name          TEXT    NOT NULL,
			kind          TEXT    NOT NULL,
			version       TEXT    NOT NULL DEFAULT '',
			artifact      BLOB,
			dependencies  TEXT    NOT NULL DEFAULT '[]',
			signals       TEXT    NOT NULL DEFAULT '[]',
			cpu_share     INTEGER NOT NULL DEFAULT 0,
			memory_bytes  INTEGER NOT NULL DEFAULT 0,
			desired_state TEXT    NOT NULL DEFAULT 'stopped',
			created_at    TEXT    NOT NULL,
			last_start_at TEXT    NOT NULL DEFAULT '',
			data_path     TEXT    NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS runtime_state (
			app_id           TEXT    PRIMARY KEY REFERENCES applications(app_id) ON DELETE CASCADE,
			execution_id     TEXT    NOT NULL,
			current_state    TEXT    NOT NULL,
			container_handle TEXT    NOT NULL DEFAULT '',
			exit_code        INTEGER,          -- NULL until an exit is observed
			last_heartbeat   TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS app_logs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id       TEXT    NOT NULL,
			execution_id TEXT    NOT NULL,
			stream       TEXT    NOT NULL,
			offset       INTEGER NOT NULL,
			ts           TEXT    NOT NULL,
			data         BLOB    NOT NULL
		)`,

		// Tail queries filter on app_id + id; offset assignment scans
		// app_id + execution_id.
		`CREATE INDEX IF NOT EXISTS idx_logs_app_id
			ON app_logs(app_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_app_exec
			ON app_logs(app_id, execution_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- applications ----

func (s *DB) UpsertApplication(ctx context.Context, app *store.Application) error {
	deps, err := json.Marshal(app.DeclaredDependencies)
	if err != nil {
		return err
	}
	sigs, err := json.Marshal(app.DeclaredSignals)
	if err != nil {
		return err
	}
	createdAt := app.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications
			(app_id, name, kind, version, artifact, dependencies, signals,
			 cpu_share, memory_bytes, desired_state, created_at, last_start_at, data_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			name          = excluded.name,
			kind          = excluded.kind,
			version       = excluded.version,
			artifact      = excluded.artifact,
			dependencies  = excluded.dependencies,
			signals       = excluded.signals,
			cpu_share     = excluded.cpu_share,
			memory_bytes  = excluded.memory_bytes,
			desired_state = excluded.desired_state,
			last_start_at = excluded.last_start_at,
			data_path     = excluded.data_path
	`, app.AppID, app.Name, string(app.Kind), app.Version, app.Artifact,
		string(deps), string(sigs),
		app.Limits.CPUShares, app.Limits.MemoryBytes,
		string(app.DesiredState), fmtTime(createdAt), fmtTimeZero(app.LastStartAt), app.DataPath)
	return err
}

func (s *DB) DeleteApplication(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE app_id = ?`, appID)
	return err
}

func (s *DB) GetApplication(ctx context.Context, appID string) (*store.Application, error) {
	row := s.db.QueryRowContext(ctx, selectApp+` WHERE app_id = ?`, appID)
	return scanApp(row.Scan)
}

func (s *DB) ListApplications(ctx context.Context, f store.Filter) ([]*store.Application, error) {
	q := selectApp + ` WHERE 1=1`
	var args []any
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.DesiredState != "" {
		q += ` AND desired_state = ?`
		args = append(args, string(f.DesiredState))
	}
	q += ` ORDER BY app_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*store.Application
	for rows.Next() {
		app, err := scanApp(rows.Scan)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ---- runtime state ----

func (s *DB) UpsertRuntimeState(ctx context.Context, st *store.RuntimeState) error {
	hb := st.LastHeartbeat
	if hb.IsZero() {
		hb = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_state
			(app_id, execution_id, current_state, container_handle, exit_code, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			execution_id     = excluded.execution_id,
			current_state    = excluded.current_state,
			container_handle = excluded.container_handle,
			exit_code        = excluded.exit_code,
			last_heartbeat   = excluded.last_heartbeat
	`, st.AppID, st.ExecutionID, string(st.CurrentState), st.ContainerHandle, st.ExitCode, fmtTime(hb))
	return err
}

func (s *DB) ClearRuntimeState(ctx context.Context, appID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runtime_state WHERE app_id = ?`, appID)
	return err
}

func (s *DB) GetRuntimeState(ctx context.Context, appID string) (*store.RuntimeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT app_id, execution_id, current_state, container_handle, exit_code, last_heartbeat
		  FROM runtime_state WHERE app_id = ?`, appID)

	var st store.RuntimeState
	var hb string
	err := row.Scan(&st.AppID, &st.ExecutionID, &st.CurrentState, &st.ContainerHandle, &st.ExitCode, &hb)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.LastHeartbeat, _ = time.Parse(time.RFC3339, hb)
	return &st, nil
}

// ---- console logs ----

func (s *DB) AppendLog(ctx context.Context, appID, executionID, stream string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_logs (app_id, execution_id, stream, offset, ts, data)
		VALUES (?, ?, ?,
			COALESCE((SELECT MAX(offset) + 1 FROM app_logs
			           WHERE app_id = ? AND execution_id = ?), 0),
			?, ?)
	`, appID, executionID, stream, appID, executionID, fmtTime(time.Now().UTC()), data)
	if err != nil {
		return err
	}

	// Ring retention: evict oldest rows beyond the per-app budget.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM app_logs
		 WHERE app_id = ?
		   AND id NOT IN (SELECT id FROM app_logs
		                   WHERE app_id = ? ORDER BY id DESC LIMIT ?)
	`, appID, appID, s.retention)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) TailLogs(ctx context.Context, appID string, n int) ([]store.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, execution_id, stream, offset, ts, data FROM (
			SELECT id, app_id, execution_id, stream, offset, ts, data
			  FROM app_logs WHERE app_id = ?
			 ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, appID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []store.LogRecord
	for rows.Next() {
		var r store.LogRecord
		var ts string
		if err := rows.Scan(&r.AppID, &r.ExecutionID, &r.Stream, &r.Offset, &ts, &r.Data); err != nil {
			return nil, err
		}
		r.TS, _ = time.Parse(time.RFC3339, ts)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

const selectApp = `
	SELECT app_id, name, kind, version, artifact, dependencies, signals,
	       cpu_share, memory_bytes, desired_state, created_at, last_start_at, data_path
	  FROM applications`

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanApp(scan scanFn) (*store.Application, error) {
	var app store.Application
	var deps, sigs, createdAt, lastStartAt string
	err := scan(&app.AppID, &app.Name, &app.Kind, &app.Version, &app.Artifact,
		&deps, &sigs, &app.Limits.CPUShares, &app.Limits.MemoryBytes,
		&app.DesiredState, &createdAt, &lastStartAt, &app.DataPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &app.DeclaredDependencies); err != nil {
		return nil, fmt.Errorf("app %s: dependencies column: %w", app.AppID, err)
	}
	if err := json.Unmarshal([]byte(sigs), &app.DeclaredSignals); err != nil {
		return nil, fmt.Errorf("app %s: signals column: %w", app.AppID, err)
	}
	app.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastStartAt != "" {
		app.LastStartAt, _ = time.Parse(time.RFC3339, lastStartAt)
	}
	return &app, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func fmtTimeZero(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmtTime(t)
}
