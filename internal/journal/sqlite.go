package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "onelane/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRecords int
	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	log.Debug("journal opened", logx.String("path", path), logx.Int("max_records", cfg.MaxRecords))
	return &sqliteStore{db: db, log: log, maxRecords: cfg.MaxRecords, pruneEvery: 100}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Queued.IsZero() {
		r.Queued = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, scheduler, name, seq, status, queued_at, started_at, delay_ms, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.TaskID, r.Scheduler, nullStr(r.Name), int64(r.Seq), r.Status,
		r.Queued.Format(time.RFC3339Nano), nullTime(r.Started),
		r.QueueDelay.Milliseconds(), r.Duration.Milliseconds(), nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.maxRecords > 0 && s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Debug("journal prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, scheduler, name, seq, status, queued_at, started_at, delay_ms, took_ms, err
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                Record
			name, started, e sql.NullString
			queued           string
			seq, delay, took int64
		)
		if err := rows.Scan(&r.TaskID, &r.Scheduler, &name, &seq, &r.Status, &queued, &started, &delay, &took, &e); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.Seq = uint64(seq)
		r.Queued, _ = time.Parse(time.RFC3339Nano, queued)
		if started.Valid {
			r.Started, _ = time.Parse(time.RFC3339Nano, started.String)
		}
		r.QueueDelay = time.Duration(delay) * time.Millisecond
		r.Duration = time.Duration(took) * time.Millisecond
		r.Error = e.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`,
		s.maxRecords)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
