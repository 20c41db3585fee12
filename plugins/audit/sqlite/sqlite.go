package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// DefaultPath: 未配置时的数据库文件。
const DefaultPath = "bluebookify-audit.db"

// Options: SQLite 审计库选项。
type Options struct {
	// Path: 数据库文件路径；":memory:" 为进程内库。
	Path string `json:"path,omitempty"`
}

// Store: 以 SQLite 持久化审计轨迹。并发安全。
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ contract.AuditSink = (*Store)(nil)

// Run: 一次运行的汇总。
type Run struct {
	RunID   string
	FileID  contract.FileID
	Changes int
	At      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	changes INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, file_id)
);
CREATE TABLE IF NOT EXISTS changes (
	run_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	original TEXT NOT NULL,
	replacement TEXT NOT NULL,
	context TEXT NOT NULL,
	PRIMARY KEY (run_id, file_id, position)
);
CREATE INDEX IF NOT EXISTS idx_runs_file ON runs(file_id, recorded_at DESC);
`

// Open 打开（必要时创建）审计库。
func Open(opts *Options) (*Store, error) {
	path := DefaultPath
	if opts != nil && strings.TrimSpace(opts.Path) != "" {
		path = opts.Path
	}
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if path == ":memory:" {
		// 单连接保证同一内存库
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Record 在单个事务中写入运行汇总与各条变更。同一 runID+fileID 重复记录时整体覆盖。
func (s *Store) Record(ctx context.Context, runID string, fileID contract.FileID, changes []contract.AppliedChange) error {
	if runID == "" {
		return fmt.Errorf("audit: empty run id: %w", contract.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM changes WHERE run_id = ? AND file_id = ?`, runID, string(fileID)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, file_id, changes, recorded_at) VALUES (?, ?, ?, ?)`,
		runID, string(fileID), len(changes), s.now().UTC()); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO changes (run_id, file_id, position, original, replacement, context) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range changes {
		if _, err := stmt.ExecContext(ctx, runID, string(fileID), c.Position, c.Original, c.Replacement, c.Context); err != nil {
			return fmt.Errorf("insert change at %d: %w", c.Position, err)
		}
	}
	return tx.Commit()
}

// Changes 返回某次运行某文件的变更，按 position 升序。
func (s *Store) Changes(ctx context.Context, runID string, fileID contract.FileID) ([]contract.AppliedChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, original, replacement, context FROM changes WHERE run_id = ? AND file_id = ? ORDER BY position ASC`,
		runID, string(fileID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []contract.AppliedChange{}
	for rows.Next() {
		var c contract.AppliedChange
		if err := rows.Scan(&c.Position, &c.Original, &c.Replacement, &c.Context); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Runs 返回某文件的历史运行，最近的在前。
func (s *Store) Runs(ctx context.Context, fileID contract.FileID) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, file_id, changes, recorded_at FROM runs WHERE file_id = ? ORDER BY recorded_at DESC, run_id ASC`,
		string(fileID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var fid string
		if err := rows.Scan(&r.RunID, &fid, &r.Changes, &r.At); err != nil {
			return nil, err
		}
		r.FileID = contract.FileID(fid)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
