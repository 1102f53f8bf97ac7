package storage

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat has nanosecond precision so messages appended within the same
// second keep their arrival order. The fraction is fixed-width (RFC3339Nano
// trims trailing zeros, which breaks lexicographic ORDER BY on the TEXT
// column: ".1Z" would sort after ".15Z").
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database with methods for sessions, messages,
// documents, chunks, profiles, preferences, and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "engram.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the vector index scan queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Vector blob codec ---

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func DecodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// DecodeVectorInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func DecodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// --- Sessions & Messages ---

// AppendMessage inserts a message, creating its session on first write and
// bumping the session's updated_at on every append.
func (s *Store) AppendMessage(m Message) error {
	now := time.Now().UTC()
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO sessions (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		m.SessionID, m.UserID, now.Format(timeFormat), now.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("upserting session %s: %w", m.SessionID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, session_id, user_id, role, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.UserID, m.Role, m.Content,
		EncodeVector(m.Embedding), createdAt.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}

	return tx.Commit()
}

// GetSession returns the session metadata for the given session and user.
func (s *Store) GetSession(sessionID, userID string) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, created_at, updated_at FROM sessions
		WHERE id = ? AND user_id = ?`, sessionID, userID,
	).Scan(&sess.ID, &sess.UserID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// SessionMessages returns all messages of a session in chronological order.
func (s *Store) SessionMessages(sessionID, userID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, role, content, embedding, created_at
		FROM messages WHERE session_id = ? AND user_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last n messages of a session in chronological
// order (oldest of the window first).
func (s *Store) RecentMessages(sessionID, userID string, n int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, user_id, role, content, embedding, created_at FROM (
			SELECT id, session_id, user_id, role, content, embedding, created_at, rowid
			FROM messages WHERE session_id = ? AND user_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, rowid ASC`, sessionID, userID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// DeleteSession removes a session and all of its messages. Individual
// messages are never deleted; whole-session pruning is the only removal path.
func (s *Store) DeleteSession(sessionID, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ? AND user_id = ?`, sessionID, userID); err != nil {
		return fmt.Errorf("deleting session messages: %w", err)
	}

	return tx.Commit()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var blob []byte
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		embedding, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", m.ID, err)
		}
		m.Embedding = embedding
		if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", m.ID, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Documents & Chunks ---

// SaveDocument persists a document together with all of its chunks in one
// transaction. Chunks (and their embeddings) are all-or-nothing.
func (s *Store) SaveDocument(doc Document, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO documents (id, user_id, filename, file_type, text_length, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, doc.Filename, doc.FileType, doc.TextLength, doc.ChunkCount,
		doc.CreatedAt.UTC().Format(timeFormat),
	); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, user_id, chunk_index, text_chunk, embedding, source_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, c.DocumentID, c.UserID, c.Index, c.Text,
			EncodeVector(c.Embedding), c.SourceName, createdAt.Format(timeFormat)); err != nil {
			return fmt.Errorf("inserting chunk %d of %s: %w", c.Index, doc.ID, err)
		}
	}

	return tx.Commit()
}

// GetDocument returns a user's document by ID.
func (s *Store) GetDocument(id, userID string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, filename, file_type, text_length, chunk_count, created_at
		FROM documents WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&d.ID, &d.UserID, &d.Filename, &d.FileType, &d.TextLength, &d.ChunkCount, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// ListDocuments returns a user's documents, newest first.
func (s *Store) ListDocuments(userID string, limit int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, filename, file_type, text_length, chunk_count, created_at
		FROM documents WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Filename, &d.FileType, &d.TextLength, &d.ChunkCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if d.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and its chunks.
func (s *Store) DeleteDocument(id, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM documents WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("deleting document chunks: %w", err)
	}

	return tx.Commit()
}

// DocumentChunks returns a document's chunks in index order.
func (s *Store) DocumentChunks(documentID, userID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, user_id, chunk_index, text_chunk, embedding, source_name, created_at
		FROM chunks WHERE document_id = ? AND user_id = ? ORDER BY chunk_index ASC`,
		documentID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Index, &c.Text, &blob, &c.SourceName, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		embedding, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = embedding
		if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Profile ---

// SetFact overwrites one scalar profile fact for the user.
func (s *Store) SetFact(userID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO profile_facts (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().UTC().Format(timeFormat),
	)
	return err
}

// Facts returns all scalar facts for the user.
func (s *Store) Facts(userID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM profile_facts WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		facts[k] = v
	}
	return facts, rows.Err()
}

// AddListEntry appends a value to a profile list with set semantics: a value
// already present for (user, kind) is silently ignored.
func (s *Store) AddListEntry(userID, kind, value string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO profile_list_entries (user_id, kind, value, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, kind, value, time.Now().UTC().Format(timeFormat),
	)
	return err
}

// ListEntries returns the values of a profile list in insertion order.
func (s *Store) ListEntries(userID, kind string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT value FROM profile_list_entries
		WHERE user_id = ? AND kind = ? ORDER BY created_at ASC, rowid ASC`, userID, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("querying list entries: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// AddPreference appends a preference with its embedding. Preferences are
// append-only.
func (s *Store) AddPreference(p Preference) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO preferences (id, user_id, text, embedding, source_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Text, EncodeVector(p.Embedding), p.SourceMessageID,
		createdAt.Format(timeFormat),
	)
	return err
}

// Preferences returns all of a user's preferences, oldest first.
func (s *Store) Preferences(userID string) ([]Preference, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, text, embedding, source_message_id, created_at
		FROM preferences WHERE user_id = ? ORDER BY created_at ASC, rowid ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying preferences: %w", err)
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		var blob []byte
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Text, &blob, &p.SourceMessageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning preference: %w", err)
		}
		embedding, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
		p.Embedding = embedding
		if p.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// --- Jobs ---

// EnqueueJob inserts a pending job into the queue.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(timeFormat)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(timeFormat)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of the given
// types, marking it running. Returns (nil, nil) when no job is claimable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(timeFormat)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(timeFormat, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(timeFormat, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt, re-queueing with exponential backoff
// until max attempts is reached.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(timeFormat), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(timeFormat), now.Format(timeFormat), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
