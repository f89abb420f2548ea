package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (*job.Store, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM store_meta WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return job.NewStore(), nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM jobs ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := &job.Store{Version: version, Jobs: []job.Job{}}
	var bad error
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			bad = fmt.Errorf("job %s: %w", id, err)
			break
		}
		st.Jobs = append(st.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	if bad == nil && version > job.CurrentVersion {
		bad = fmt.Errorf("store version %d is newer than supported %d", version, job.CurrentVersion)
	}
	if bad != nil {
		aside, err := s.setAside(ctx)
		if err != nil {
			s.log.Warn("unreadable store could not be moved aside", logx.Err(err))
		}
		s.log.Warn("unreadable store; starting empty", logx.String("aside", aside), logx.Err(bad))
		return job.NewStore(), nil
	}
	st.Normalize()
	return st, nil
}

// setAside renames the jobs table so the next save starts clean.
func (s *sqliteStore) setAside(ctx context.Context) (string, error) {
	name := fmt.Sprintf("jobs_corrupt_%d", s.now().Unix())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return name, err
	}
	defer func() { _ = tx.Rollback() }()
	stmts := []string{
		`DROP INDEX IF EXISTS jobs_position`,
		`ALTER TABLE jobs RENAME TO ` + name,
		`DELETE FROM store_meta`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return name, err
		}
	}
	if err := tx.Commit(); err != nil {
		return name, err
	}
	return name, s.migrate(ctx)
}

func (s *sqliteStore) Save(ctx context.Context, st *job.Store) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if st == nil {
		st = job.NewStore()
	}
	version := st.Version
	if version <= 0 {
		version = job.CurrentVersion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	ins, err := tx.PrepareContext(ctx, `INSERT INTO jobs(position, id, data) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for i, j := range st.Jobs {
		b, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
		if _, err := ins.ExecContext(ctx, i, j.ID, string(b)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO store_meta(id, version, saved_at) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, saved_at=excluded.saved_at`,
		version, s.now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}
