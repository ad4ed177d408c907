// Package store defines the narrow storage port consumed by the chat
// server and implements it over an embedded SQLite database, migrated
// via an ordered []string of DDL/DML statements tracked in a
// schema_migrations table. On first open it bootstraps a root user and
// a default group.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"udpchat/internal/auth"
	"udpchat/internal/chaterr"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1; never edit or reorder
// existing entries, only append.
var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		address  TEXT NOT NULL DEFAULT ''
	)`,
	// v2 — rooms (groups)
	`CREATE TABLE IF NOT EXISTS rooms (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		name         TEXT NOT NULL UNIQUE,
		password     TEXT,
		date_created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	// v3 — members
	`CREATE TABLE IF NOT EXISTS members (
		user_id INTEGER NOT NULL,
		room_id INTEGER NOT NULL,
		UNIQUE(user_id, room_id)
	)`,
	// v4 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id   INTEGER NOT NULL,
		user_id   INTEGER NOT NULL,
		text      TEXT NOT NULL,
		date_sent DATETIME NOT NULL
	)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Member mirrors the Member table row.
type Member struct {
	UserID int64
	RoomID int64
}

// GroupHistoryRow is one row returned by GroupHistory.
type GroupHistoryRow struct {
	Name        string
	DateCreated string
}

// MessageHistoryRow is one row returned by MessageHistory.
type MessageHistoryRow struct {
	Username string
	Text     string
	DateSent string
}

// Store is the SQLite-backed implementation of the chat server's storage
// port. All operations are synchronous; database/sql serializes its own
// access across concurrent callers.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path, applies any pending
// migrations, and bootstraps the root user and default group. Use ":memory:"
// for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: bootstrap: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// bootstrap ensures the root user and default group exist via a direct
// new_user/new_group call rather than the USR_ADD dispatch path, so root
// is not auto-subscribed to default.
func (s *Store) bootstrap() error {
	if _, err := s.userIDByName("root"); errors.Is(err, chaterr.ErrNotFound) {
		if _, err := s.NewUser("root", "root", ""); err != nil {
			return fmt.Errorf("bootstrap root user: %w", err)
		}
	} else if err != nil {
		return err
	}

	if _, err := s.roomIDByName("default"); errors.Is(err, chaterr.ErrNotFound) {
		if _, err := s.NewGroup("default", "", ""); err != nil {
			return fmt.Errorf("bootstrap default group: %w", err)
		}
	} else if err != nil {
		return err
	}
	return nil
}

func (s *Store) userIDByName(username string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: user %q", chaterr.ErrNotFound, username)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return id, nil
}

func (s *Store) roomIDByName(name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM rooms WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: group %q", chaterr.ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return id, nil
}

// NewUser creates a user row with a PBKDF2-hashed password. Returns
// (true, nil) if a new row was created, (false, nil) if the username
// already existed.
func (s *Store) NewUser(username, password, address string) (bool, error) {
	var existing int64
	err := s.db.QueryRow(`SELECT id FROM users WHERE username = ?`, username).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}

	blob, err := auth.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO users(username, password, address) VALUES(?, ?, ?)`,
		username, blob, address,
	); err != nil {
		return false, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return true, nil
}

// UserLogin verifies the given password against the stored hash and, on
// success, updates the user's last-known address. Returns chaterr.ErrNotFound
// if the username doesn't exist.
func (s *Store) UserLogin(username, password, address string) (bool, error) {
	var blob string
	err := s.db.QueryRow(`SELECT password FROM users WHERE username = ?`, username).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: user %q", chaterr.ErrNotFound, username)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}

	valid, err := auth.VerifyPassword(blob, password)
	if err != nil {
		return false, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	if valid {
		if err := s.UpdateUserAddress(username, address); err != nil {
			return true, err
		}
	}
	return valid, nil
}

// UserList returns every registered username.
func (s *Store) UserList() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM users`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// NewGroup creates a group row, optionally adding creator as its first
// member. Returns chaterr.ErrExists if a group with that name already exists.
func (s *Store) NewGroup(name, creator, password string) (int64, error) {
	var existing int64
	err := s.db.QueryRow(`SELECT id FROM rooms WHERE name = ?`, name).Scan(&existing)
	if err == nil {
		return 0, fmt.Errorf("%w: group %q", chaterr.ErrExists, name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}

	var pwd sql.NullString
	if password != "" {
		pwd = sql.NullString{String: password, Valid: true}
	}
	res, err := s.db.Exec(`INSERT INTO rooms(name, password) VALUES(?, ?)`, name, pwd)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}

	if creator != "" {
		if err := s.NewMember(creator, name); err != nil {
			return id, err
		}
	}
	return id, nil
}

// NewMember adds username to group. Idempotent through the
// UNIQUE(user_id, room_id) constraint: a duplicate subscription is a no-op.
func (s *Store) NewMember(username, groupName string) error {
	userID, err := s.userIDByName(username)
	if err != nil {
		return err
	}
	roomID, err := s.roomIDByName(groupName)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO members(user_id, room_id) VALUES(?, ?)`,
		userID, roomID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return nil
}

// GroupNames returns every group's name.
func (s *Store) GroupNames() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GroupHistory returns every group username belongs to.
func (s *Store) GroupHistory(username string) ([]GroupHistoryRow, error) {
	userID, err := s.userIDByName(username)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT rooms.name, datetime(rooms.date_created)
		FROM rooms INNER JOIN members ON rooms.id = members.room_id
		WHERE members.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []GroupHistoryRow
	for rows.Next() {
		var r GroupHistoryRow
		if err := rows.Scan(&r.Name, &r.DateCreated); err != nil {
			return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MessageHistory returns every message sent in groupName, oldest first.
func (s *Store) MessageHistory(groupName string) ([]MessageHistoryRow, error) {
	roomID, err := s.roomIDByName(groupName)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT users.username, messages.text, messages.date_sent
		FROM messages INNER JOIN users ON messages.user_id = users.id
		WHERE messages.room_id = ?
		ORDER BY messages.id ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []MessageHistoryRow
	for rows.Next() {
		var r MessageHistoryRow
		if err := rows.Scan(&r.Username, &r.Text, &r.DateSent); err != nil {
			return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NewMessage records a chat message, failing with chaterr.ErrNotFound if the
// group or user doesn't exist.
func (s *Store) NewMessage(groupName, username, text string, timeSent time.Time) (int64, error) {
	roomID, err := s.roomIDByName(groupName)
	if err != nil {
		return 0, err
	}
	userID, err := s.userIDByName(username)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(
		`INSERT INTO messages(room_id, user_id, text, date_sent) VALUES(?, ?, ?, ?)`,
		roomID, userID, text, timeSent.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return res.LastInsertId()
}

// AddressesForGroup returns the parsed "host:port" addresses of every member
// of groupName with a non-empty, well-formed address. Malformed entries are
// skipped and logged rather than failing the whole broadcast.
func (s *Store) AddressesForGroup(groupName string) ([]net.Addr, error) {
	roomID, err := s.roomIDByName(groupName)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT users.address
		FROM rooms INNER JOIN members ON rooms.id = members.room_id
		INNER JOIN users ON members.user_id = users.id
		WHERE rooms.id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	defer rows.Close()

	var out []net.Addr
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
		}
		addr, ok := ParseHostPort(raw)
		if !ok {
			if raw != "" {
				log.Printf("[store] skipping unparsable address %q for group %q", raw, groupName)
			}
			continue
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// ParseHostPort resolves a stored "host:port" string: split on the last ':',
// require both sides non-empty, the port in [1, 65535] and the host a literal
// IP address (hostnames and bracketed IPv6 hosts are rejected), else report
// not-ok instead of erroring.
func ParseHostPort(raw string) (net.Addr, bool) {
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return nil, false
	}
	host, portStr := raw[:idx], raw[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false
	}
	return &net.UDPAddr{IP: ip, Port: port}, true
}

// UpdateUserAddress records username's last-seen address.
func (s *Store) UpdateUserAddress(username, addr string) error {
	_, err := s.db.Exec(`UPDATE users SET address = ? WHERE username = ?`, addr, username)
	if err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return nil
}

// DeregisterAddress clears the address of whichever user currently has addr
// recorded, called when a broadcast to that peer times out.
func (s *Store) DeregisterAddress(addr string) error {
	_, err := s.db.Exec(`UPDATE users SET address = '' WHERE address = ?`, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrStorage, err)
	}
	return nil
}
