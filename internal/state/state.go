// Package state is the agent's durable local store: the last-sync watermark
// and a log of images that have been downloaded and recorded remotely.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// WatermarkKey is the settings key holding the ISO-8601 timestamp of the
// last successful manifest drain. The key name is part of the app's
// persisted-settings contract and must not change.
const WatermarkKey = "imageSyncService:lastSync"

// Store wraps the agent's sqlite database. It is safe for concurrent use;
// database/sql serializes access to the single connection pool.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the state database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT
	);
	CREATE TABLE IF NOT EXISTS image_log (
		id         TEXT PRIMARY KEY,
		device_id  TEXT,
		local_path TEXT,
		md5_hash   TEXT,
		created_at DATETIME
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Watermark returns the persisted last-sync timestamp, or "" if the agent
// has never synced.
func (s *Store) Watermark() (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", WatermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("watermark read: %w", err)
	}
	return value, nil
}

// SetWatermark persists ts as the new last-sync timestamp.
func (s *Store) SetWatermark(ts string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, WatermarkKey, ts)
	if err != nil {
		return fmt.Errorf("watermark write: %w", err)
	}
	return nil
}

// ImageRecord is one completed download as recorded in the image log.
type ImageRecord struct {
	ID        string
	DeviceID  string
	LocalPath string
	MD5Hash   string
	CreatedAt time.Time
}

// ImageHash returns the recorded hash and local path for an image id. ok is
// false when the id has never been logged.
func (s *Store) ImageHash(id string) (hash, path string, ok bool, err error) {
	row := s.db.QueryRow("SELECT md5_hash, local_path FROM image_log WHERE id = ?", id)
	if err := row.Scan(&hash, &path); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("image log read: %w", err)
	}
	return hash, path, true, nil
}

// MarkSynced upserts the image log entry for a completed download.
func (s *Store) MarkSynced(rec ImageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO image_log (id, device_id, local_path, md5_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id  = excluded.device_id,
			local_path = excluded.local_path,
			md5_hash   = excluded.md5_hash,
			created_at = excluded.created_at
	`, rec.ID, rec.DeviceID, rec.LocalPath, rec.MD5Hash, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("image log write: %w", err)
	}
	return nil
}

// Reset clears the watermark and the entire image log. The next cycle will
// re-fetch the full history and re-download anything missing on disk.
func (s *Store) Reset() error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", WatermarkKey); err != nil {
		return fmt.Errorf("reset settings: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM image_log"); err != nil {
		return fmt.Errorf("reset image log: %w", err)
	}
	return nil
}
