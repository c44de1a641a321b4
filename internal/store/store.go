// Package store implements the replica-local persistent store: a two-table
// SQLite database holding accounts and messages. The store is single-writer
// from the service's perspective; all access is serialized on an internal
// mutex and every logical write runs in one transaction.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/replichat/replichat/pkg/errors"
)

// Account is one row of the accounts table. Password is the opaque credential
// digest supplied by the caller; the store never interprets it.
type Account struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Message is one row of the messages table. IDs are assigned locally per
// replica and need not agree across the cluster.
type Message struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Read      bool   `json:"read"`
	Timestamp string `json:"timestamp"`
}

// Snapshot is the full serialized contents of the store, produced by the
// leader at join time and installed wholesale by a joiner.
type Snapshot struct {
	Accounts []Account `json:"accounts"`
	Messages []Message `json:"messages"`
}

// Store wraps the SQLite database for one replica.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the store at the given path and ensures
// the schema exists. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeStoreOpen, "failed to open store at %s", path).WithCause(err)
	}

	// One connection gives us the same single-connection mutual exclusion the
	// mutex assumes, and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT,
			recipient TEXT,
			content TEXT,
			read INTEGER DEFAULT 0,
			timestamp TEXT
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.NewError(errors.ErrCodeStoreOpen, "failed to initialize schema").WithCause(err)
		}
	}
	return nil
}

// InsertAccount creates a new account. Returns a STORE_CONFLICT error when the
// username already exists.
func (s *Store) InsertAccount(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("INSERT INTO accounts (username, password) VALUES (?, ?)", username, password)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeStoreConflict, "account %q already exists", username).WithCause(err)
		}
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to insert account").WithCause(err)
	}
	return nil
}

// GetPassword returns the stored credential digest for username. The second
// return value is false when no such account exists.
func (s *Store) GetPassword(username string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var password string
	err := s.db.QueryRow("SELECT password FROM accounts WHERE username = ?", username).Scan(&password)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewError(errors.ErrCodeStoreRead, "failed to read account").WithCause(err)
	}
	return password, true, nil
}

// AccountExists reports whether username has an account.
func (s *Store) AccountExists(username string) (bool, error) {
	_, ok, err := s.GetPassword(username)
	return ok, err
}

// DeleteAccount removes the account and, in the same transaction, every
// message whose recipient is the deleted username. Sender-side copies are
// left in place.
func (s *Store) DeleteAccount(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to begin transaction").WithCause(err)
	}

	if _, err := tx.Exec("DELETE FROM accounts WHERE username = ?", username); err != nil {
		_ = tx.Rollback()
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to delete account").WithCause(err)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE recipient = ?", username); err != nil {
		_ = tx.Rollback()
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to delete account messages").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to commit account deletion").WithCause(err)
	}
	return nil
}

// ListAccounts returns usernames matching pattern by substring (SQL LIKE on
// %pattern%). An empty pattern returns all accounts.
func (s *Store) ListAccounts(pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	var err error
	if pattern != "" {
		rows, err = s.db.Query("SELECT username FROM accounts WHERE username LIKE ? ORDER BY username",
			"%"+pattern+"%")
	} else {
		rows, err = s.db.Query("SELECT username FROM accounts ORDER BY username")
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to list accounts").WithCause(err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to scan account row").WithCause(err)
		}
		usernames = append(usernames, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "account row iteration failed").WithCause(err)
	}
	return usernames, nil
}

// CountUnread returns the number of unread messages addressed to username.
func (s *Store) CountUnread(username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE recipient = ? AND read = 0", username).Scan(&count)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreRead, "failed to count unread messages").WithCause(err)
	}
	return count, nil
}

// SelectUnread returns all unread messages for username ordered by id ascending.
func (s *Store) SelectUnread(username string) ([]Message, error) {
	return s.selectMessages(username, false)
}

// SelectRead returns all read messages for username ordered by id ascending.
func (s *Store) SelectRead(username string) ([]Message, error) {
	return s.selectMessages(username, true)
}

func (s *Store) selectMessages(username string, read bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readFlag := 0
	if read {
		readFlag = 1
	}

	rows, err := s.db.Query(
		"SELECT id, sender, recipient, content, read, timestamp FROM messages WHERE recipient = ? AND read = ? ORDER BY id",
		username, readFlag)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to select messages").WithCause(err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// InsertMessage stores a new message and returns its locally assigned id.
func (s *Store) InsertMessage(sender, recipient, content string, read bool, timestamp string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readFlag := 0
	if read {
		readFlag = 1
	}

	res, err := s.db.Exec(
		"INSERT INTO messages (sender, recipient, content, read, timestamp) VALUES (?, ?, ?, ?, ?)",
		sender, recipient, content, readFlag, timestamp)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to insert message").WithCause(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreWrite, "failed to read inserted message id").WithCause(err)
	}
	return id, nil
}

// MarkRead flags the messages with the given ids as read, in one transaction.
func (s *Store) MarkRead(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to begin transaction").WithCause(err)
	}

	for _, id := range ids {
		if _, err := tx.Exec("UPDATE messages SET read = 1 WHERE id = ?", id); err != nil {
			_ = tx.Rollback()
			return errors.NewError(errors.ErrCodeStoreWrite, "failed to mark message read").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to commit read marks").WithCause(err)
	}
	return nil
}

// DeleteMessages removes the messages with the given ids, scoped to the given
// recipient so one user cannot delete another's messages, in one transaction.
func (s *Store) DeleteMessages(recipient string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to begin transaction").WithCause(err)
	}

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM messages WHERE id = ? AND recipient = ?", id, recipient); err != nil {
			_ = tx.Rollback()
			return errors.NewError(errors.ErrCodeStoreWrite, "failed to delete message").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to commit message deletion").WithCause(err)
	}
	return nil
}

// DeleteAllMessagesFor removes every message addressed to username.
func (s *Store) DeleteAllMessagesFor(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM messages WHERE recipient = ?", username); err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to delete messages").WithCause(err)
	}
	return nil
}

// Snapshot serializes the entire store contents.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{}

	accountRows, err := s.db.Query("SELECT username, password FROM accounts ORDER BY username")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to snapshot accounts").WithCause(err)
	}
	defer accountRows.Close()

	for accountRows.Next() {
		var a Account
		if err := accountRows.Scan(&a.Username, &a.Password); err != nil {
			return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to scan account row").WithCause(err)
		}
		snap.Accounts = append(snap.Accounts, a)
	}
	if err := accountRows.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "account snapshot iteration failed").WithCause(err)
	}

	messageRows, err := s.db.Query("SELECT id, sender, recipient, content, read, timestamp FROM messages ORDER BY id")
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to snapshot messages").WithCause(err)
	}
	defer messageRows.Close()

	snap.Messages, err = scanMessages(messageRows)
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// ReplaceAll clears both tables and installs the snapshot contents, all in a
// single transaction. Message ids are reassigned locally.
func (s *Store) ReplaceAll(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to begin transaction").WithCause(err)
	}

	if _, err := tx.Exec("DELETE FROM accounts"); err != nil {
		_ = tx.Rollback()
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to clear accounts").WithCause(err)
	}
	if _, err := tx.Exec("DELETE FROM messages"); err != nil {
		_ = tx.Rollback()
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to clear messages").WithCause(err)
	}

	for _, a := range snap.Accounts {
		if _, err := tx.Exec("INSERT INTO accounts (username, password) VALUES (?, ?)", a.Username, a.Password); err != nil {
			_ = tx.Rollback()
			return errors.NewError(errors.ErrCodeStoreWrite, "failed to install account").WithCause(err)
		}
	}

	for _, m := range snap.Messages {
		readFlag := 0
		if m.Read {
			readFlag = 1
		}
		if _, err := tx.Exec(
			"INSERT INTO messages (sender, recipient, content, read, timestamp) VALUES (?, ?, ?, ?, ?)",
			m.Sender, m.Recipient, m.Content, readFlag, m.Timestamp); err != nil {
			_ = tx.Rollback()
			return errors.NewError(errors.ErrCodeStoreWrite, "failed to install message").WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewError(errors.ErrCodeStoreWrite, "failed to commit snapshot install").WithCause(err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		var readFlag int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &readFlag, &m.Timestamp); err != nil {
			return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to scan message row").WithCause(err)
		}
		m.Read = readFlag != 0
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "message row iteration failed").WithCause(err)
	}
	return messages, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// FormatMessage renders a message for display.
func FormatMessage(m Message) string {
	return fmt.Sprintf("%s - From: %s - %s", m.Timestamp, m.Sender, m.Content)
}
