/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

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

	"github.com/google/uuid"

	applog "instaprep/internal/log"
	"instaprep/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	HistoryDirName  = ".instaprep"
	HistoryFileName = "history.sqlite"

	// schemaVersion of the history database; bump together with a migration step.
	schemaVersion = 2

	// fixed width so created_at sorts as text
	tsLayout = "2006-01-02T15:04:05.000000000Z"
)

// Export kinds.
const (
	KindStill = "still"
	KindVideo = "video"
)

// Export is one saved asset.
type Export struct {
	ID        string
	SessionID string
	Kind      string
	Path      string
	MIME      string
	Bytes     int64
	Duration  time.Duration
	CreatedAt time.Time
}

// History is the export index of one export directory.
type History struct {
	db   *sql.DB
	path string
}

// HistoryPath returns the database path for an export directory.
func HistoryPath(exportDir string) string {
	return filepath.Join(exportDir, HistoryDirName, HistoryFileName)
}

// OpenHistory opens or creates the history of exportDir. A database that cannot
// be opened or fails its integrity check is backed up and recreated empty.
func OpenHistory(exportDir string) (*History, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "history_open").With(
		slog.String("dir", exportDir),
	)
	if strings.TrimSpace(exportDir) == "" {
		return nil, errors.New("export directory is required")
	}
	path := HistoryPath(exportDir)
	db, err := openDB(path)
	if err == nil {
		if cerr := quickCheck(db); cerr != nil {
			_ = db.Close()
			err = cerr
		}
	}
	if err != nil {
		l.Warn("history unusable, recreating", slog.Any("err", err))
		backupHistoryFile(path)
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			_ = os.Remove(p)
		}
		if db, err = openDB(path); err != nil {
			l.Error("history recreate failed", slog.Any("err", err))
			return nil, err
		}
	}
	l.Debug("history ready", slog.String("path", path))
	return &History{db: db, path: path}, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", HistoryDirName, err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func quickCheck(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var chk string
	if err := db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&chk); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(chk), "ok") {
		return fmt.Errorf("quick_check: %s", chk)
	}
	return nil
}

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var cur int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, schemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		// keep the schema number for migrations
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

// ensureSchema creates the schema of a fresh database (current version).
func ensureSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS exports (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL,
			path        TEXT NOT NULL,
			mime        TEXT NOT NULL DEFAULT '',
			bytes       INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exports_session ON exports(session_id);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental steps up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if cur > schemaVersion {
		// written by a newer build; leave it alone
		return nil
	}
	// a fresh database is seeded at schemaVersion but still needs every step's DDL
	if cur == schemaVersion {
		cur = 1
		if has, err := hasColumn(ctx, db, "exports", "duration_ms"); err != nil {
			return err
		} else if has {
			cur = schemaVersion
		}
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			stmts = []string{
				`ALTER TABLE exports ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0;`,
				`CREATE INDEX IF NOT EXISTS idx_exports_created ON exports(created_at);`,
			}
		}
		if err := migrate(ctx, db, next, stmts); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB, next int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", next, err)
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d stmt failed: %w", next, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d update version: %w", next, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d commit: %w", next, err)
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// backupHistoryFile copies a damaged database next to it as history.sqlite.<stamp>.bak.
func backupHistoryFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	bdir := filepath.Join(filepath.Dir(path), "backups")
	_ = os.MkdirAll(bdir, 0o755)
	stamp := time.Now().Format("20060102-150405")
	_ = os.WriteFile(filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", filepath.Base(path), stamp)), data, 0o644)
}

// Path of the database file.
func (h *History) Path() string { return h.path }

// Close closes the database.
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// RecordExport inserts e. Empty ID and zero CreatedAt are filled in.
func (h *History) RecordExport(ctx context.Context, e Export) (Export, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Kind != KindStill && e.Kind != KindVideo {
		return e, fmt.Errorf("unknown export kind %q", e.Kind)
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO exports (id, session_id, kind, path, mime, bytes, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Kind, e.Path, e.MIME, e.Bytes, e.Duration.Milliseconds(),
		e.CreatedAt.UTC().Format(tsLayout))
	if err != nil {
		return e, fmt.Errorf("record export: %w", err)
	}
	return e, nil
}

// ListExports returns the newest exports first; limit <= 0 returns all.
func (h *History) ListExports(ctx context.Context, limit int) ([]Export, error) {
	q := `SELECT id, session_id, kind, path, mime, bytes, duration_ms, created_at FROM exports ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()
	var out []Export
	for rows.Next() {
		var (
			e  Export
			ms int64
			ts string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Path, &e.MIME, &e.Bytes, &ms, &ts); err != nil {
			return nil, fmt.Errorf("scan export: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		e.CreatedAt, _ = time.Parse(tsLayout, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
