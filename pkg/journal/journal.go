// Package journal records every dispatched command in SQLite. Committed
// edits (MOVE_COMMIT) are flagged so clients can replay a session.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/denizumutdereli/scenelink/pkg/protocol"
)

// DefaultLimit caps Recent when no limit is given.
const DefaultLimit = 100

// Record is one journal row.
type Record struct {
	ID        string        `json:"id"`
	Server    string        `json:"server"`
	Session   string        `json:"session"`
	Verb      string        `json:"verb"`
	Line      string        `json:"line"`
	OK        bool          `json:"ok"`
	Reason    string        `json:"reason,omitempty"`
	Response  string        `json:"response"`
	Committed bool          `json:"committed"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

// Query filters Recent.
type Query struct {
	Limit         int
	Server        string
	Session       string
	CommittedOnly bool
}

// Journal is a protocol.Recorder backed by SQLite.
type Journal struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
	mu     sync.Mutex

	// Stats
	written uint64
	failed  uint64
}

var _ protocol.Recorder = (*Journal)(nil)

// Open creates or opens the journal database at path.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, dbPath: path, logger: logger}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.dbPath
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		server TEXT NOT NULL,
		session TEXT NOT NULL,
		verb TEXT NOT NULL,
		line TEXT NOT NULL,
		ok INTEGER NOT NULL,
		reason TEXT,
		response TEXT NOT NULL,
		committed INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL,
		at_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_at ON commands(at_ns);
	CREATE INDEX IF NOT EXISTS idx_commands_server ON commands(server);
	CREATE INDEX IF NOT EXISTS idx_commands_committed ON commands(committed);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record implements protocol.Recorder. Failures are logged, never
// surfaced to the client.
func (j *Journal) Record(ctx context.Context, e protocol.Entry) {
	if err := j.Insert(ctx, e); err != nil {
		j.mu.Lock()
		j.failed++
		j.mu.Unlock()
		j.logger.Warn("journal write failed", zap.String("verb", e.Verb), zap.Error(err))
	}
}

// Insert writes one entry.
func (j *Journal) Insert(ctx context.Context, e protocol.Entry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO commands (id, server, session, verb, line, ok, reason, response, committed, duration_ns, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.Server, e.Session, e.Verb, e.Line,
		boolInt(e.OK), e.Reason, e.Response, boolInt(e.Committed),
		int64(e.Duration), at.UnixNano(),
	)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.written++
	j.mu.Unlock()
	return nil
}

// Recent returns the newest records first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	var where []string
	var args []any
	if q.Server != "" {
		where = append(where, "server = ?")
		args = append(args, q.Server)
	}
	if q.Session != "" {
		where = append(where, "session = ?")
		args = append(args, q.Session)
	}
	if q.CommittedOnly {
		where = append(where, "committed = 1")
	}

	query := `SELECT id, server, session, verb, line, ok, COALESCE(reason, ''), response, committed, duration_ns, at_ns FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at_ns DESC, rowid DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ok, committed int
		var dur, at int64
		if err := rows.Scan(&r.ID, &r.Server, &r.Session, &r.Verb, &r.Line, &ok, &r.Reason, &r.Response, &committed, &dur, &at); err != nil {
			return nil, err
		}
		r.OK = ok == 1
		r.Committed = committed == 1
		r.Duration = time.Duration(dur)
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`).Scan(&n)
	return n, err
}

// Prune keeps the newest keep records and deletes the rest.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM commands WHERE rowid NOT IN (
			SELECT rowid FROM commands ORDER BY at_ns DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats returns journal counters.
func (j *Journal) Stats() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]any{
		"path":    j.dbPath,
		"written": j.written,
		"failed":  j.failed,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
