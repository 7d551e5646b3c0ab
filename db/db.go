package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"jim/models"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn    *sql.DB
	dialect *dialect
	onClose func()
}

// Open picks the backend from the location: postgres:// and postgresql://
// URLs go to PostgreSQL, anything else is a SQLite file path.
func Open(ctx context.Context, location string) (*DB, error) {
	if isPostgresURL(location) {
		return NewPostgres(ctx, location)
	}
	return New(location)
}

// New opens (creating if needed) a SQLite database file.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, dialect: sqliteDialect}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	err := db.conn.Close()
	if db.onClose != nil {
		db.onClose()
	}
	return err
}

// Backend names the SQL dialect in use.
func (db *DB) Backend() string {
	return db.dialect.name
}

func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	return db.conn.Exec(db.dialect.rebind(query), args...)
}

func (db *DB) query(query string, args ...any) (*sql.Rows, error) {
	return db.conn.Query(db.dialect.rebind(query), args...)
}

func (db *DB) queryRow(query string, args ...any) *sql.Row {
	return db.conn.QueryRow(db.dialect.rebind(query), args...)
}

func (db *DB) init() error {
	for _, query := range db.dialect.schema {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}

	return nil
}

// User methods

// CreateUser stores a new account. An empty password leaves the account
// without a credential, so it can be seen but never authenticated.
func (db *DB) CreateUser(name, password, information string) error {
	hashed := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hashed = string(h)
	}

	now := formatTime(time.Now())
	_, err := db.exec(
		"INSERT INTO users (name, password, information, last_online, last_offline) VALUES (?, ?, ?, ?, ?)",
		name, hashed, information, now, now,
	)
	return err
}

// SetPassword replaces an account's credential.
func (db *DB) SetPassword(name, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	result, err := db.exec("UPDATE users SET password = ? WHERE name = ?", string(hashed), name)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (db *DB) GetUser(name string) (*models.User, error) {
	var u models.User
	var onlineStr, offlineStr string
	err := db.queryRow(
		"SELECT id, name, password, information, last_online, last_offline FROM users WHERE name = ?",
		name,
	).Scan(&u.ID, &u.Name, &u.Password, &u.Information, &onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	u.LastOnline = parseTime(onlineStr)
	u.LastOffline = parseTime(offlineStr)
	return &u, nil
}

func (db *DB) ListUsers() ([]models.User, error) {
	rows, err := db.query("SELECT id, name, information, last_online, last_offline FROM users ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var onlineStr, offlineStr string
		if err := rows.Scan(&u.ID, &u.Name, &u.Information, &onlineStr, &offlineStr); err != nil {
			return nil, err
		}
		u.LastOnline = parseTime(onlineStr)
		u.LastOffline = parseTime(offlineStr)
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *DB) VerifyCredential(name, password string) (bool, error) {
	var hashedPassword string
	err := db.queryRow("SELECT password FROM users WHERE name = ?", name).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if hashedPassword == "" {
		return false, nil
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(name string, t time.Time) error {
	_, err := db.exec("UPDATE users SET last_online = ? WHERE name = ?", formatTime(t), name)
	return err
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(name string, t time.Time) error {
	_, err := db.exec("UPDATE users SET last_offline = ? WHERE name = ?", formatTime(t), name)
	return err
}

// RecordLogin appends a row to the account's connection history.
func (db *DB) RecordLogin(name, ipAddress string, t time.Time) error {
	_, err := db.exec(
		"INSERT INTO history (user_name, ip_address, time_login) VALUES (?, ?, ?)",
		name, ipAddress, formatTime(t),
	)
	return err
}

func (db *DB) LoginHistory(name string, limit int) ([]models.Login, error) {
	rows, err := db.query(
		"SELECT user_name, ip_address, time_login FROM history WHERE user_name = ? ORDER BY time_login DESC, id DESC LIMIT ?",
		name, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []models.Login
	for rows.Next() {
		var l models.Login
		var ts string
		if err := rows.Scan(&l.User, &l.IPAddress, &ts); err != nil {
			return nil, err
		}
		l.Time = parseTime(ts)
		logins = append(logins, l)
	}

	return logins, rows.Err()
}

// Contact methods

// GetContacts returns the owner's contact names in sorted order.
func (db *DB) GetContacts(owner string) ([]string, error) {
	rows, err := db.query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// AddContact links owner to contact. Existing pairs and unknown contact
// accounts are ignored.
func (db *DB) AddContact(owner, contact string) error {
	_, err := db.exec(
		`INSERT INTO contacts (owner, contact)
		SELECT CAST(? AS TEXT), CAST(? AS TEXT) WHERE EXISTS (SELECT 1 FROM users WHERE name = ?)
		ON CONFLICT DO NOTHING`,
		owner, contact, contact,
	)
	return err
}

// RemoveContact unlinks owner from contact. Removing an absent pair is not an error.
func (db *DB) RemoveContact(owner, contact string) error {
	_, err := db.exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	return err
}

// Message methods

func (db *DB) AppendMessageHistory(sender, recipient, text string, timestamp time.Time) error {
	_, err := db.exec(
		"INSERT INTO messages (sender, recipient, text, timestamp) VALUES (?, ?, ?, ?)",
		sender, recipient, text, formatTime(timestamp),
	)
	return err
}

// RecentMessages returns the latest messages across all accounts, newest first.
func (db *DB) RecentMessages(limit int) ([]models.Message, error) {
	return db.scanMessages(
		"SELECT id, sender, recipient, text, timestamp FROM messages ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit,
	)
}

// GetMessages returns the conversation between two accounts in chronological order.
func (db *DB) GetMessages(owner, contact string, offset, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender, recipient, text, timestamp
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`
	return db.scanMessages(query, owner, contact, contact, owner, limit, offset)
}

func (db *DB) scanMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &timestampStr); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(timestampStr)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// Timestamps are stored as fixed-width RFC 3339 UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type dialect struct {
	name     string
	schema   []string
	numbered bool // $1, $2 placeholders instead of ?
}

func (d *dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var sqliteDialect = &dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL DEFAULT '',
			information TEXT NOT NULL DEFAULT '',
			last_online TEXT NOT NULL DEFAULT '',
			last_offline TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_name TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			time_login TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON history(user_name, time_login)`,
	},
}
