package storage

import (
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/droverhq/drover/pkg/errdefs"
	"github.com/droverhq/drover/pkg/types"
)

// dsnPragmas holds the connection pragmas for the system of record:
// WAL for concurrent readers, a 30s busy wait, and enforced foreign keys.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"

const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	assigned_session TEXT NOT NULL DEFAULT '',
	target_session TEXT NOT NULL DEFAULT '',
	target_provider TEXT NOT NULL DEFAULT '',
	fallback_providers TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	assigned_at TEXT,
	completed_at TEXT,
	response TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata BLOB
);

CREATE TABLE IF NOT EXISTS sessions (
	name TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'unknown',
	provider TEXT NOT NULL DEFAULT '',
	last_activity TEXT,
	current_task_id INTEGER REFERENCES prompts(id),
	working_dir TEXT NOT NULL DEFAULT '',
	last_output TEXT NOT NULL DEFAULT '',
	excluded INTEGER NOT NULL DEFAULT 0,
	node_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt_id INTEGER NOT NULL REFERENCES prompts(id),
	session_name TEXT NOT NULL,
	action TEXT NOT NULL,
	created_at TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cluster_nodes (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	last_heartbeat TEXT,
	cpu_usage REAL NOT NULL DEFAULT 0,
	memory_usage REAL NOT NULL DEFAULT 0,
	disk_usage REAL NOT NULL DEFAULT 0,
	reachable INTEGER NOT NULL DEFAULT 0,
	healthy INTEGER NOT NULL DEFAULT 0,
	services TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resource_allocations (
	id TEXT PRIMARY KEY,
	resource_type TEXT NOT NULL,
	requester TEXT NOT NULL,
	node_id TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	allocated_at TEXT NOT NULL,
	released_at TEXT
);

CREATE TABLE IF NOT EXISTS failover_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_node TEXT NOT NULL,
	to_node TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS supervisor_services (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	restart_attempts INTEGER NOT NULL DEFAULT 0,
	next_restart_at TEXT,
	total_failures INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS supervisor_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	cpu_percent REAL NOT NULL DEFAULT 0,
	memory_mb REAL NOT NULL DEFAULT 0,
	uptime_seconds INTEGER NOT NULL DEFAULT 0,
	sampled_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS supervisor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id TEXT NOT NULL,
	event TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);
CREATE INDEX IF NOT EXISTS idx_history_prompt ON assignment_history(prompt_id);
CREATE INDEX IF NOT EXISTS idx_allocations_active ON resource_allocations(resource_type, node_id) WHERE released_at IS NULL;
`

// SQLiteStore implements Store using an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the drover database in dataDir.
func Open(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "ping database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "init schema")
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timestamp formatting: all columns are UTC RFC3339; zero time maps to NULL.

func fmtTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func joinProviders(ps []types.Provider) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitProviders(s string) []types.Provider {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ps := make([]types.Provider, len(parts))
	for i, p := range parts {
		ps[i] = types.Provider(p)
	}
	return ps
}

// Prompt operations

func (s *SQLiteStore) CreatePrompt(p *types.Prompt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = types.PromptPending
	}
	res, err := s.db.Exec(`INSERT INTO prompts
		(content, source, priority, status, assigned_session, target_session,
		 target_provider, fallback_providers, retry_count, max_retries,
		 timeout_seconds, created_at, assigned_at, completed_at, response, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Content, p.Source, p.Priority, string(p.Status), p.AssignedSession,
		p.TargetSession, string(p.TargetProvider), joinProviders(p.FallbackProviders),
		p.RetryCount, p.MaxRetries, int64(p.Timeout/time.Second),
		fmtTime(p.CreatedAt), fmtTime(p.AssignedAt), fmtTime(p.CompletedAt),
		p.Response, p.Error, p.Metadata)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "insert prompt")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "prompt id")
	}
	p.ID = id
	return nil
}

const promptColumns = `id, content, source, priority, status, assigned_session,
	target_session, target_provider, fallback_providers, retry_count, max_retries,
	timeout_seconds, created_at, assigned_at, completed_at, response, error, metadata`

func scanPrompt(row interface{ Scan(...interface{}) error }) (*types.Prompt, error) {
	var p types.Prompt
	var status, targetProvider, fallbacks string
	var timeoutSec int64
	var createdAt, assignedAt, completedAt sql.NullString
	err := row.Scan(&p.ID, &p.Content, &p.Source, &p.Priority, &status,
		&p.AssignedSession, &p.TargetSession, &targetProvider, &fallbacks,
		&p.RetryCount, &p.MaxRetries, &timeoutSec,
		&createdAt, &assignedAt, &completedAt, &p.Response, &p.Error, &p.Metadata)
	if err != nil {
		return nil, err
	}
	p.Status = types.PromptStatus(status)
	p.TargetProvider = types.Provider(targetProvider)
	p.FallbackProviders = splitProviders(fallbacks)
	p.Timeout = time.Duration(timeoutSec) * time.Second
	p.CreatedAt = parseTime(createdAt)
	p.AssignedAt = parseTime(assignedAt)
	p.CompletedAt = parseTime(completedAt)
	return &p, nil
}

func (s *SQLiteStore) GetPrompt(id int64) (*types.Prompt, error) {
	row := s.db.QueryRow(`SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.New(errdefs.KindNotFound, "prompt %d not found", id)
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "get prompt")
	}
	return p, nil
}

func (s *SQLiteStore) ListPrompts() ([]*types.Prompt, error) {
	return s.listPrompts(`SELECT ` + promptColumns + ` FROM prompts ORDER BY id`)
}

func (s *SQLiteStore) ListPromptsByStatus(status types.PromptStatus) ([]*types.Prompt, error) {
	return s.listPrompts(`SELECT `+promptColumns+` FROM prompts WHERE status = ? ORDER BY priority DESC, created_at ASC, id ASC`, string(status))
}

func (s *SQLiteStore) listPrompts(query string, args ...interface{}) ([]*types.Prompt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list prompts")
	}
	defer rows.Close()

	var prompts []*types.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan prompt")
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func (s *SQLiteStore) UpdatePrompt(p *types.Prompt) error {
	res, err := s.db.Exec(`UPDATE prompts SET
		content = ?, source = ?, priority = ?, status = ?, assigned_session = ?,
		target_session = ?, target_provider = ?, fallback_providers = ?,
		retry_count = ?, max_retries = ?, timeout_seconds = ?,
		assigned_at = ?, completed_at = ?, response = ?, error = ?, metadata = ?
		WHERE id = ?`,
		p.Content, p.Source, p.Priority, string(p.Status), p.AssignedSession,
		p.TargetSession, string(p.TargetProvider), joinProviders(p.FallbackProviders),
		p.RetryCount, p.MaxRetries, int64(p.Timeout/time.Second),
		fmtTime(p.AssignedAt), fmtTime(p.CompletedAt), p.Response, p.Error, p.Metadata,
		p.ID)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "update prompt")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errdefs.New(errdefs.KindNotFound, "prompt %d not found", p.ID)
	}
	return nil
}

// Session operations

func (s *SQLiteStore) UpsertSession(sess *types.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	var taskID interface{}
	if sess.CurrentTaskID != 0 {
		taskID = sess.CurrentTaskID
	}
	_, err := s.db.Exec(`INSERT INTO sessions
		(name, status, provider, last_activity, current_task_id, working_dir,
		 last_output, excluded, node_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		 status = excluded.status, provider = excluded.provider,
		 last_activity = excluded.last_activity, current_task_id = excluded.current_task_id,
		 working_dir = excluded.working_dir, last_output = excluded.last_output,
		 excluded = excluded.excluded, node_id = excluded.node_id,
		 updated_at = excluded.updated_at`,
		sess.Name, string(sess.Status), string(sess.Provider),
		fmtTime(sess.LastActivity), taskID, sess.WorkingDir,
		sess.LastOutput, boolInt(sess.Excluded), sess.NodeID, fmtTime(sess.UpdatedAt))
	return errdefs.Wrap(err, errdefs.KindTransport, "upsert session")
}

const sessionColumns = `name, status, provider, last_activity, current_task_id,
	working_dir, last_output, excluded, node_id, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*types.Session, error) {
	var sess types.Session
	var status, provider string
	var lastActivity, updatedAt sql.NullString
	var taskID sql.NullInt64
	var excluded int
	err := row.Scan(&sess.Name, &status, &provider, &lastActivity, &taskID,
		&sess.WorkingDir, &sess.LastOutput, &excluded, &sess.NodeID, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = types.SessionStatus(status)
	sess.Provider = types.Provider(provider)
	sess.LastActivity = parseTime(lastActivity)
	sess.CurrentTaskID = taskID.Int64
	sess.Excluded = excluded != 0
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(name string) (*types.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE name = ?`, name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.New(errdefs.KindNotFound, "session %q not found", name)
	}
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "get session")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions() ([]*types.Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY name`)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list sessions")
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(name string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	return errdefs.Wrap(err, errdefs.KindTransport, "delete session")
}

// Assignment history

func (s *SQLiteStore) AppendHistory(h *types.HistoryEntry) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO assignment_history
		(prompt_id, session_name, action, created_at, details)
		VALUES (?, ?, ?, ?, ?)`,
		h.PromptID, h.SessionName, string(h.Action), fmtTime(h.CreatedAt), h.Details)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "append history")
	}
	h.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListHistory(promptID int64) ([]*types.HistoryEntry, error) {
	rows, err := s.db.Query(`SELECT id, prompt_id, session_name, action, created_at, details
		FROM assignment_history WHERE prompt_id = ? ORDER BY prompt_id, id`, promptID)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransport, "list history")
	}
	defer rows.Close()

	var entries []*types.HistoryEntry
	for rows.Next() {
		var h types.HistoryEntry
		var action string
		var createdAt sql.NullString
		if err := rows.Scan(&h.ID, &h.PromptID, &h.SessionName, &action, &createdAt, &h.Details); err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindTransport, "scan history")
		}
		h.Action = types.HistoryAction(action)
		h.CreatedAt = parseTime(createdAt)
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}

// Composite transactions

// AssignPrompt atomically marks the prompt assigned, points the session
// at it, and appends a history row.
func (s *SQLiteStore) AssignPrompt(promptID int64, session string, at time.Time) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE prompts SET status = ?, assigned_session = ?, assigned_at = ?
			WHERE id = ? AND status = ?`,
			string(types.PromptAssigned), session, fmtTime(at), promptID, string(types.PromptPending))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.New(errdefs.KindInvalidState, "prompt %d is not pending", promptID)
		}
		if _, err := tx.Exec(`UPDATE sessions SET status = ?, current_task_id = ?, updated_at = ?
			WHERE name = ?`,
			string(types.SessionBusy), promptID, fmtTime(at), session); err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO assignment_history (prompt_id, session_name, action, created_at, details)
			VALUES (?, ?, ?, ?, ?)`,
			promptID, session, string(types.HistoryAssigned), fmtTime(at), "")
		return err
	})
}

// CompletePrompt atomically stores the response, frees the session, and
// appends a history row.
func (s *SQLiteStore) CompletePrompt(promptID int64, session, response string, at time.Time) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE prompts SET status = ?, response = ?, completed_at = ?
			WHERE id = ?`,
			string(types.PromptCompleted), response, fmtTime(at), promptID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE sessions SET status = ?, current_task_id = NULL,
			last_activity = ?, updated_at = ? WHERE name = ?`,
			string(types.SessionIdle), fmtTime(at), fmtTime(at), session); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO assignment_history (prompt_id, session_name, action, created_at, details)
			VALUES (?, ?, ?, ?, ?)`,
			promptID, session, string(types.HistoryCompleted), fmtTime(at), "")
		return err
	})
}

// FailPrompt atomically marks the prompt failed with the given error,
// frees the session, and appends a history row.
func (s *SQLiteStore) FailPrompt(promptID int64, session, errMsg string, at time.Time) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE prompts SET status = ?, error = ?, completed_at = ?
			WHERE id = ?`,
			string(types.PromptFailed), errMsg, fmtTime(at), promptID); err != nil {
			return err
		}
		if session != "" {
			if _, err := tx.Exec(`UPDATE sessions SET status = ?, current_task_id = NULL,
				updated_at = ? WHERE name = ?`,
				string(types.SessionIdle), fmtTime(at), session); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`INSERT INTO assignment_history (prompt_id, session_name, action, created_at, details)
			VALUES (?, ?, ?, ?, ?)`,
			promptID, session, string(types.HistoryFailed), fmtTime(at), errMsg)
		return err
	})
}

func (s *SQLiteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errdefs.KindOf(err) != errdefs.KindUnknown {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransport, "tx")
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransport, "commit tx")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
