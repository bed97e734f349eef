package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GetSetting returns the JSON value stored under key.
func (s *Store) GetSetting(key string) (json.RawMessage, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting setting %q: %w", key, err)
	}
	return json.RawMessage(v), nil
}

// SetSetting stores a JSON value under key, replacing any previous value.
func (s *Store) SetSetting(key string, value json.RawMessage) error {
	if strings.TrimSpace(key) == "" {
		return invalid("key", "must not be empty")
	}
	if !json.Valid(value) {
		return invalid("value", "not valid JSON")
	}
	return putSetting(s.db, key, value, formatTime(s.stamp()))
}

func putSetting(q querier, key string, value json.RawMessage, at string) error {
	_, err := q.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), at)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// Settings returns every stored setting keyed by name.
func (s *Store) Settings() (map[string]json.RawMessage, error) {
	return listSettings(s.db)
}

func listSettings(q querier) (map[string]json.RawMessage, error) {
	rows, err := q.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}
