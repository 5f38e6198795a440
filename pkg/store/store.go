// Package store persists the remembered endpoint and the bridge history in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"Tether/pkg/bridge"
	"Tether/pkg/logger"
	"Tether/pkg/types"
)

// DBName is the database file created under the data directory.
const DBName = "tether.db"

// DefaultHistoryLimit is used by History when limit <= 0.
const DefaultHistoryLimit = 50

// ========================================
// Store - SQLite 存储
// ========================================

type Store struct {
	db     *sql.DB
	dbPath string

	stmtInsertHistory *sql.Stmt
	stmtSaveEndpoint  *sql.Stmt
}

const schemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

-- single row, id is always 1
CREATE TABLE IF NOT EXISTS remembered_endpoint (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    ip_address TEXT NOT NULL,
    port INTEGER NOT NULL,
    usb_serial TEXT,
    user_identifier TEXT,
    saved_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bridge_history (
    id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    kind TEXT NOT NULL,
    serial TEXT,
    usb_serial TEXT,
    address TEXT,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_bridge_history_time ON bridge_history(timestamp DESC);
`

// Open creates dataDir if needed and opens dataDir/tether.db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 单写入
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Debug("store").Str("path", dbPath).Msg("Store opened")
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error
	s.stmtInsertHistory, err = s.db.Prepare(`
		INSERT INTO bridge_history (id, timestamp, kind, serial, usb_serial, address, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.stmtSaveEndpoint, err = s.db.Prepare(`
		INSERT INTO remembered_endpoint (id, ip_address, port, usb_serial, user_identifier, saved_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ip_address = excluded.ip_address,
			port = excluded.port,
			usb_serial = excluded.usb_serial,
			user_identifier = excluded.user_identifier,
			saved_at = excluded.saved_at
	`)
	return err
}

// Path is the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases statements and the database handle.
func (s *Store) Close() error {
	if s.stmtInsertHistory != nil {
		s.stmtInsertHistory.Close()
	}
	if s.stmtSaveEndpoint != nil {
		s.stmtSaveEndpoint.Close()
	}
	return s.db.Close()
}

// ========================================
// Remembered endpoint
// ========================================

// LoadEndpoint returns nil, nil when nothing is remembered.
func (s *Store) LoadEndpoint() (*bridge.RememberedEndpoint, error) {
	var (
		ep        bridge.RememberedEndpoint
		usbSerial sql.NullString
		userID    sql.NullString
		savedAt   int64
	)
	err := s.db.QueryRow(`
		SELECT ip_address, port, usb_serial, user_identifier, saved_at
		FROM remembered_endpoint WHERE id = 1
	`).Scan(&ep.IPAddress, &ep.Port, &usbSerial, &userID, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}
	ep.USBSerial = usbSerial.String
	ep.UserIdentifier = userID.String
	ep.SavedAt = time.UnixMilli(savedAt)
	return &ep, nil
}

// SaveEndpoint replaces the remembered endpoint.
func (s *Store) SaveEndpoint(ep bridge.RememberedEndpoint) error {
	if ep.IPAddress == "" {
		return errors.New("save endpoint: empty ip address")
	}
	savedAt := ep.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := s.stmtSaveEndpoint.Exec(ep.IPAddress, ep.Port, nullString(ep.USBSerial),
		nullString(ep.UserIdentifier), savedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	return nil
}

// ClearEndpoint forgets the remembered endpoint.
func (s *Store) ClearEndpoint() error {
	if _, err := s.db.Exec(`DELETE FROM remembered_endpoint WHERE id = 1`); err != nil {
		return fmt.Errorf("clear endpoint: %w", err)
	}
	return nil
}

// ========================================
// History
// ========================================

// Record appends a history entry. Empty ids and timestamps are filled in.
func (s *Store) Record(entry types.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	_, err := s.stmtInsertHistory.Exec(entry.ID, entry.Timestamp, entry.Kind,
		nullString(entry.Serial), nullString(entry.USBSerial), nullString(entry.Address), nullString(entry.Message))
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// History returns the newest entries first.
func (s *Store) History(limit int) ([]types.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, kind, serial, usb_serial, address, message
		FROM bridge_history
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]types.HistoryEntry, 0)
	for rows.Next() {
		var (
			e                                   types.HistoryEntry
			serial, usbSerial, address, message sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &serial, &usbSerial, &address, &message); err != nil {
			return nil, err
		}
		e.Serial = serial.String
		e.USBSerial = usbSerial.String
		e.Address = address.String
		e.Message = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes history entries older than maxAge and reports how many went.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := s.db.Exec(`DELETE FROM bridge_history WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// ========================================
// 辅助函数
// ========================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
