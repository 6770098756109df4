// Package history keeps a local, searchable transcript of every exchanged
// chat message in SQLite. The local copy survives server-side session
// deletion and works offline. Storage: ~/.astrodesk/state/history.db.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Config configures the history store.
type Config struct {
	Dir        string `json:"dir"`        // database directory, default ~/.astrodesk/state
	MaxAgeDays int    `json:"maxAgeDays"` // retention in days, 0 keeps everything
	MaxRecords int    `json:"maxRecords"` // cap on stored messages, 0 is unlimited
	Enabled    bool   `json:"enabled"`
}

// Record is one stored message.
type Record struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`    // user / assistant / system
	MsgType   string `json:"msgType"` // text / image / voice / file / error
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
	CreatedAt string `json:"createdAt"`
}

// Store is the SQLite-backed message archive.
type Store struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// DefaultConfig returns the default history configuration.
func DefaultConfig() Config {
	return Config{
		Dir:        defaultStateDir(),
		MaxAgeDays: 180,
		MaxRecords: 100000,
		Enabled:    true,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".astrodesk", "state")
	}
	return filepath.Join(home, ".astrodesk", "state")
}

// NewStore opens (creating if needed) the history database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultStateDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	s := &Store{dbPath: filepath.Join(cfg.Dir, "history.db")}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	ddl := `
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT '',
  msg_type TEXT NOT NULL DEFAULT 'text',
  content TEXT NOT NULL DEFAULT '',
  request_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);",
		"CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(role);",
		"CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(request_id);",
	}
	for _, idx := range indices {
		_, _ = db.Exec(idx)
	}

	// FTS5 content search
	_, _ = db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		content=messages, content_rowid=id
	);`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
	END;`)
	_, _ = db.Exec(`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.id, old.content);
	END;`)

	return nil
}

func (s *Store) openDB() (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout%3d5000&_pragma=journal_mode%3dwal")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return db, nil
}

// Append stores one message.
func (s *Store) Append(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return err
	}

	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if rec.MsgType == "" {
		rec.MsgType = "text"
	}

	result, err := db.Exec(
		`INSERT INTO messages(session_id, role, msg_type, content, request_id, created_at)
		 VALUES(?,?,?,?,?,?)`,
		rec.SessionID, rec.Role, rec.MsgType, rec.Content, rec.RequestID, rec.CreatedAt,
	)
	if err != nil {
		return err
	}
	rec.ID, _ = result.LastInsertId()
	return nil
}

// QueryParams filters a history query.
type QueryParams struct {
	SessionID string
	Role      string
	MsgType   string
	Search    string // full-text search over content
	Since     string // RFC3339, inclusive
	Until     string // RFC3339, inclusive
	Limit     int
	Offset    int
}

// Query returns matching messages newest-first plus the unpaged total.
func (s *Store) Query(p QueryParams) ([]Record, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, 0, err
	}

	if p.Limit <= 0 {
		p.Limit = 50
	}

	var conditions []string
	var args []any

	if p.SessionID != "" {
		conditions = append(conditions, "session_id=?")
		args = append(args, p.SessionID)
	}
	if p.Role != "" {
		conditions = append(conditions, "role=?")
		args = append(args, p.Role)
	}
	if p.MsgType != "" {
		conditions = append(conditions, "msg_type=?")
		args = append(args, p.MsgType)
	}
	if p.Search != "" {
		conditions = append(conditions, "id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, buildFTSQuery(p.Search))
	}
	if p.Since != "" {
		conditions = append(conditions, "created_at>=?")
		args = append(args, p.Since)
	}
	if p.Until != "" {
		conditions = append(conditions, "created_at<=?")
		args = append(args, p.Until)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countArgs := make([]any, len(args))
	copy(countArgs, args)
	_ = db.QueryRow("SELECT COUNT(*) FROM messages"+where, countArgs...).Scan(&total)

	query := "SELECT id, session_id, role, msg_type, content, request_id, created_at FROM messages" + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Role, &r.MsgType, &r.Content, &r.RequestID, &r.CreatedAt); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

// Recent returns the latest n messages of a session in chronological order.
func (s *Store) Recent(sessionID string, n int) ([]Record, error) {
	records, _, err := s.Query(QueryParams{SessionID: sessionID, Limit: n})
	if err != nil {
		return nil, err
	}
	// Query returns newest-first; callers want transcript order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Stats summarizes the archive.
type Stats struct {
	TotalMessages  int            `json:"totalMessages"`
	BySession      map[string]int `json:"bySession"`
	ByRole         map[string]int `json:"byRole"`
	EarliestRecord string         `json:"earliestRecord"`
	LatestRecord   string         `json:"latestRecord"`
}

// GetStats returns archive-wide counters.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		BySession: make(map[string]int),
		ByRole:    make(map[string]int),
	}

	_ = db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&st.TotalMessages)
	_ = db.QueryRow("SELECT COALESCE(MIN(created_at),'') FROM messages").Scan(&st.EarliestRecord)
	_ = db.QueryRow("SELECT COALESCE(MAX(created_at),'') FROM messages").Scan(&st.LatestRecord)

	scanGroupBy(db, "SELECT session_id, COUNT(*) FROM messages GROUP BY session_id", st.BySession)
	scanGroupBy(db, "SELECT role, COUNT(*) FROM messages GROUP BY role", st.ByRole)

	return st, nil
}

// Clear deletes a session's messages; an empty sessionID clears everything.
func (s *Store) Clear(sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}

	var result sql.Result
	if sessionID == "" {
		result, err = db.Exec("DELETE FROM messages")
	} else {
		result, err = db.Exec("DELETE FROM messages WHERE session_id=?", sessionID)
	}
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		_, _ = db.Exec("INSERT INTO messages_fts(messages_fts) VALUES('rebuild')")
	}
	return n, nil
}

// Cleanup enforces the retention windows and returns deleted row count.
func (s *Store) Cleanup(maxAgeDays, maxRecords int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}

	var totalDeleted int64

	if maxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UTC().Format(time.RFC3339Nano)
		result, err := db.Exec("DELETE FROM messages WHERE created_at < ?", cutoff)
		if err == nil {
			n, _ := result.RowsAffected()
			totalDeleted += n
		}
	}

	if maxRecords > 0 {
		result, err := db.Exec(
			"DELETE FROM messages WHERE id NOT IN (SELECT id FROM messages ORDER BY created_at DESC LIMIT ?)",
			maxRecords,
		)
		if err == nil {
			n, _ := result.RowsAffected()
			totalDeleted += n
		}
	}

	if totalDeleted > 0 {
		_, _ = db.Exec("INSERT INTO messages_fts(messages_fts) VALUES('rebuild')")
	}

	return totalDeleted, nil
}

// Count returns the number of stored messages.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.openDB()
	if err != nil {
		return 0, err
	}
	var cnt int
	_ = db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&cnt)
	return cnt, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// DBPath returns the database file path.
func (s *Store) DBPath() string {
	return s.dbPath
}

func scanGroupBy(db *sql.DB, query string, target map[string]int) {
	rows, err := db.Query(query)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var cnt int
		if err := rows.Scan(&key, &cnt); err == nil {
			target[key] = cnt
		}
	}
}

func buildFTSQuery(input string) string {
	words := strings.Fields(strings.TrimSpace(input))
	if len(words) == 0 {
		return `""`
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, `""`)
		parts = append(parts, `"`+w+`"`)
	}
	return strings.Join(parts, " OR ")
}
