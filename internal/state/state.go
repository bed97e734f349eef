// Package state persists the relay's extension-side state: settings, the
// pending web-app sync queue, the current conversation per platform and a
// cache of every conversation seen. Each operation is one transaction.
package state

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/kalambet/chatmerge/internal/sqlitedb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	timeLayout  = "2006-01-02T15:04:05.000000000Z"
	settingsKey = "settings"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("not found")

type Settings struct {
	SyncEnabled        bool                `json:"syncEnabled"`
	AutoSync           bool                `json:"autoSync"`
	ExtractionEnabled  bool                `json:"extractionEnabled"`
	SupportedPlatforms []platform.Platform `json:"supportedPlatforms"`
	LastSync           *time.Time          `json:"lastSync,omitempty"`
}

// DefaultSettings enables sync and extraction on every platform.
func DefaultSettings() Settings {
	return Settings{
		SyncEnabled:        true,
		ExtractionEnabled:  true,
		SupportedPlatforms: platform.All(),
	}
}

// Supports reports whether p is enabled in the settings.
func (s Settings) Supports(p platform.Platform) bool {
	for _, sp := range s.SupportedPlatforms {
		if sp == p {
			return true
		}
	}
	return false
}

// SyncQueueItem is a web-app delivery that has not succeeded yet.
type SyncQueueItem struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Platform  platform.Platform `json:"platform,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

// Store is the relay's SQLite-backed state.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (or creates) state.db in dataDir. Pass ":memory:" for tests.
func Open(dataDir string) (*Store, error) {
	db, err := sqlitedb.Open(dataDir, "state.db")
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.Migrate(db, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db, now: time.Now, logger: slog.Default()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// Settings returns the stored settings, or the defaults when none are stored.
func (s *Store) Settings() (Settings, error) {
	return readSettings(s.db)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func readSettings(q queryRower) (Settings, error) {
	var raw string
	err := q.QueryRow("SELECT value FROM kv WHERE key = ?", settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	st := DefaultSettings()
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	return st, nil
}

func writeSettings(tx *sql.Tx, st Settings, at string) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKey, string(raw), at)
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// UpdateSettings applies fn to the current settings and stores the result in
// one transaction.
func (s *Store) UpdateSettings(fn func(*Settings)) (Settings, error) {
	var st Settings
	err := sqlitedb.Tx(s.db, func(tx *sql.Tx) error {
		var err error
		if st, err = readSettings(tx); err != nil {
			return err
		}
		fn(&st)
		return writeSettings(tx, st, s.stamp())
	})
	return st, err
}

// Enqueue appends an item to the sync queue, assigning an ID and timestamp
// when missing.
func (s *Store) Enqueue(item SyncQueueItem) (SyncQueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = s.now().UTC()
	}
	if len(item.Payload) == 0 {
		item.Payload = json.RawMessage("null")
	}
	_, err := s.db.Exec(`INSERT INTO sync_queue (id, timestamp, type, platform, payload) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Timestamp.UTC().Format(timeLayout), item.Type, string(item.Platform), string(item.Payload))
	if err != nil {
		return item, fmt.Errorf("enqueueing %s: %w", item.Type, err)
	}
	return item, nil
}

// Queue returns the pending items in insertion order.
func (s *Store) Queue() ([]SyncQueueItem, error) {
	rows, err := s.db.Query(`SELECT id, timestamp, type, platform, payload FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sync queue: %w", err)
	}
	defer rows.Close()

	items := []SyncQueueItem{}
	for rows.Next() {
		var (
			it           SyncQueueItem
			ts, p, payld string
		)
		if err := rows.Scan(&it.ID, &ts, &it.Type, &p, &payld); err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		if it.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing queue timestamp: %w", err)
		}
		it.Platform = platform.Platform(p)
		it.Payload = json.RawMessage(payld)
		items = append(items, it)
	}
	return items, rows.Err()
}

// QueueLength returns the number of pending items.
func (s *Store) QueueLength() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sync queue: %w", err)
	}
	return n, nil
}

// CompleteDrain removes the delivered items and records at as the last sync
// time, atomically. Items not listed stay queued.
func (s *Store) CompleteDrain(succeeded []string, at time.Time) (Settings, error) {
	var st Settings
	err := sqlitedb.Tx(s.db, func(tx *sql.Tx) error {
		for _, id := range succeeded {
			if _, err := tx.Exec("DELETE FROM sync_queue WHERE id = ?", id); err != nil {
				return fmt.Errorf("removing queue item %s: %w", id, err)
			}
		}
		var err error
		if st, err = readSettings(tx); err != nil {
			return err
		}
		last := at.UTC()
		st.LastSync = &last
		return writeSettings(tx, st, s.stamp())
	})
	return st, err
}

// PutCurrent stores c as the current conversation for its platform.
func (s *Store) PutCurrent(p platform.Platform, c *conversation.Conversation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO current_conversations (platform, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(p), string(raw), s.stamp())
	if err != nil {
		return fmt.Errorf("saving current conversation for %s: %w", p, err)
	}
	return nil
}

// Current returns the last conversation stored for p.
func (s *Store) Current(p platform.Platform) (*conversation.Conversation, error) {
	var raw string
	err := s.db.QueryRow("SELECT payload FROM current_conversations WHERE platform = ?", string(p)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading current conversation for %s: %w", p, err)
	}
	var c conversation.Conversation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decoding current conversation: %w", err)
	}
	return &c, nil
}

// CacheConversation upserts c by its stable key, falling back to its
// extraction id when the key is empty.
func (s *Store) CacheConversation(c *conversation.Conversation) error {
	key := c.StableKey()
	if key == "" {
		key = c.ID
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO conversation_cache (stable_key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(stable_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(raw), s.stamp())
	if err != nil {
		return fmt.Errorf("caching conversation %s: %w", key, err)
	}
	return nil
}

// Conversations returns the cached conversations, most recently cached first.
func (s *Store) Conversations() ([]conversation.Conversation, error) {
	rows, err := s.db.Query("SELECT payload FROM conversation_cache ORDER BY updated_at DESC, stable_key ASC")
	if err != nil {
		return nil, fmt.Errorf("querying conversation cache: %w", err)
	}
	defer rows.Close()

	out := []conversation.Conversation{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning cached conversation: %w", err)
		}
		var c conversation.Conversation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.logger.Warn("skipping undecodable cached conversation", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Reset clears every record, returning the store to defaults.
func (s *Store) Reset() error {
	return sqlitedb.Tx(s.db, func(tx *sql.Tx) error {
		for _, table := range []string{"kv", "sync_queue", "current_conversations", "conversation_cache"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		return nil
	})
}
