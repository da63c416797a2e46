// Package journal records what happens in an editing view to SQLite: the
// composition events an input method causes and every change made to the
// text. A session's edits replayed over its initial text reproduce the
// text as it was left.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rootsite/internal/composition"
	"rootsite/internal/logging"
	"rootsite/internal/textbuf"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    view_id         TEXT NOT NULL,
    keyboard        TEXT NOT NULL,
    initial_text    TEXT NOT NULL,
    started_ns      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      INTEGER NOT NULL REFERENCES sessions(id),
    seq             INTEGER NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    kind            TEXT NOT NULL,
    text            TEXT NOT NULL,
    start_offset    INTEGER NOT NULL,
    end_offset      INTEGER NOT NULL,
    UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS edits (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      INTEGER NOT NULL REFERENCES sessions(id),
    seq             INTEGER NOT NULL,
    timestamp_ns    INTEGER NOT NULL,
    start_offset    INTEGER NOT NULL,
    end_offset      INTEGER NOT NULL,
    removed         TEXT NOT NULL,
    inserted        TEXT NOT NULL,
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_edits_session ON edits(session_id, seq);
`

// Store is the SQLite journal.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		now:    time.Now,
		logger: logging.Default().WithComponent("journal").Logger,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SessionInfo describes one recorded session.
type SessionInfo struct {
	ID          int64
	ViewID      string
	Keyboard    string
	InitialText string
	Started     time.Time
}

// Event is a recorded composition event.
type Event struct {
	Seq       int64
	Timestamp time.Time
	Kind      string
	Text      string
	Start     int
	End       int
}

// Edit is a recorded text change: the characters in [Start, End) were
// Removed and Inserted took their place.
type Edit struct {
	Seq       int64
	Timestamp time.Time
	Start     int
	End       int
	Removed   string
	Inserted  string
}

// Session records one view. It is a composition.Listener; wrap the view's
// buffer with Buffer to record edits. Write failures are logged and kept
// for Err rather than interrupting typing.
type Session struct {
	store *Store
	id    int64

	mu       sync.Mutex
	eventSeq int64
	editSeq  int64
	err      error
}

// StartSession begins recording a view whose text is currently initial.
func (s *Store) StartSession(viewID, keyboard, initial string) (*Session, error) {
	res, err := s.db.Exec(`
		INSERT INTO sessions (view_id, keyboard, initial_text, started_ns)
		VALUES (?, ?, ?, ?)`,
		viewID, keyboard, initial, s.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	s.logger.Debug("journal session started", "session", id, "view", viewID)
	return &Session{store: s, id: id}, nil
}

// ID returns the session's row ID.
func (j *Session) ID() int64 { return j.id }

// Err returns the first write failure, if any.
func (j *Session) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Session) fail(err error) {
	j.store.logger.Error("journal write failed", "session", j.id, "error", err)
	if j.err == nil {
		j.err = err
	}
}

// CompositionEvent implements composition.Listener.
func (j *Session) CompositionEvent(e composition.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.eventSeq++
	_, err := j.store.db.Exec(`
		INSERT INTO events (session_id, seq, timestamp_ns, kind, text, start_offset, end_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.id, j.eventSeq, j.store.now().UnixNano(), e.Kind.String(), e.Text, e.Start, e.End,
	)
	if err != nil {
		j.fail(fmt.Errorf("insert event: %w", err))
	}
}

func (j *Session) recordEdit(start, end int, removed, inserted string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.editSeq++
	_, err := j.store.db.Exec(`
		INSERT INTO edits (session_id, seq, timestamp_ns, start_offset, end_offset, removed, inserted)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.id, j.editSeq, j.store.now().UnixNano(), start, end, removed, inserted,
	)
	if err != nil {
		j.fail(fmt.Errorf("insert edit: %w", err))
	}
}

// Buffer wraps buf so every successful Replace is recorded.
func (j *Session) Buffer(buf textbuf.Buffer) textbuf.Buffer {
	return &recorder{Buffer: buf, session: j}
}

type recorder struct {
	textbuf.Buffer
	session *Session
}

func (r *recorder) Replace(start, end int, text string) error {
	removed, err := r.Buffer.Substring(start, end)
	if err != nil {
		return err
	}
	if err := r.Buffer.Replace(start, end, text); err != nil {
		return err
	}
	if removed != "" || text != "" {
		r.session.recordEdit(start, end, removed, text)
	}
	return nil
}

// Span keeps writing systems when the wrapped buffer tracks them.
func (r *recorder) Span(start, end int) (textbuf.Span, error) {
	if sb, ok := r.Buffer.(textbuf.SpanBuffer); ok {
		return sb.Span(start, end)
	}
	text, err := r.Buffer.Substring(start, end)
	return textbuf.Span{Text: text}, err
}

func (r *recorder) InsertSpan(at int, sp textbuf.Span) error {
	sb, ok := r.Buffer.(textbuf.SpanBuffer)
	if !ok {
		return r.Replace(at, at, sp.Text)
	}
	if err := sb.InsertSpan(at, sp); err != nil {
		return err
	}
	if sp.Text != "" {
		r.session.recordEdit(at, at, "", sp.Text)
	}
	return nil
}

// Sessions lists recorded sessions, oldest first.
func (s *Store) Sessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, view_id, keyboard, initial_text, started_ns
		FROM sessions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		var started int64
		if err := rows.Scan(&si.ID, &si.ViewID, &si.Keyboard, &si.InitialText, &started); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		si.Started = time.Unix(0, started)
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// GetSession returns one session, or nil if there is none with that ID.
func (s *Store) GetSession(id int64) (*SessionInfo, error) {
	var si SessionInfo
	var started int64
	err := s.db.QueryRow(`
		SELECT id, view_id, keyboard, initial_text, started_ns
		FROM sessions WHERE id = ?`, id,
	).Scan(&si.ID, &si.ViewID, &si.Keyboard, &si.InitialText, &started)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	si.Started = time.Unix(0, started)
	return &si, nil
}

// Events returns a session's composition events in order.
func (s *Store) Events(sessionID int64) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT seq, timestamp_ns, kind, text, start_offset, end_offset
		FROM events WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.Seq, &ts, &e.Kind, &e.Text, &e.Start, &e.End); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Edits returns a session's text changes in order.
func (s *Store) Edits(sessionID int64) ([]Edit, error) {
	rows, err := s.db.Query(`
		SELECT seq, timestamp_ns, start_offset, end_offset, removed, inserted
		FROM edits WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query edits: %w", err)
	}
	defer rows.Close()

	var out []Edit
	for rows.Next() {
		var e Edit
		var ts int64
		if err := rows.Scan(&e.Seq, &ts, &e.Start, &e.End, &e.Removed, &e.Inserted); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return out, nil
}

// Replay applies edits to initial. Each edit's Removed text must match what
// is in the buffer at that point.
func Replay(initial string, edits []Edit) (string, error) {
	buf := textbuf.NewString(initial, 0)
	for _, e := range edits {
		got, err := buf.Substring(e.Start, e.End)
		if err != nil {
			return "", fmt.Errorf("edit %d: %w", e.Seq, err)
		}
		if got != e.Removed {
			return "", fmt.Errorf("edit %d: expected to remove %q, found %q", e.Seq, e.Removed, got)
		}
		if err := buf.Replace(e.Start, e.End, e.Inserted); err != nil {
			return "", fmt.Errorf("edit %d: %w", e.Seq, err)
		}
	}
	return buf.Text(), nil
}

// ReplaySession reconstructs a session's final text from the journal.
func (s *Store) ReplaySession(id int64) (string, error) {
	si, err := s.GetSession(id)
	if err != nil {
		return "", err
	}
	if si == nil {
		return "", fmt.Errorf("no session %d", id)
	}
	edits, err := s.Edits(id)
	if err != nil {
		return "", err
	}
	return Replay(si.InitialText, edits)
}
