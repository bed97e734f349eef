package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

const previewRunes = 100

const convColumns = `id, title, platform, platform_url, external_id, identity_key, folder_id,
	search_content, message_count, total_tokens, last_message_preview, model, created_at, updated_at`

// FromConversation converts an extracted conversation into a storable record.
// Messages whose role could not be determined are dropped. A conversation
// without a timestamp leaves both times zero for the store to fill.
func FromConversation(c *conversation.Conversation) DBConversation {
	var at time.Time
	if c.Timestamp > 0 {
		at = time.UnixMilli(c.Timestamp).UTC()
	}
	rec := DBConversation{
		ID:          c.ID,
		Title:       c.Title,
		Platform:    c.Platform,
		PlatformURL: c.URL,
		ExternalID:  c.Metadata.ConversationID,
		CreatedAt:   at,
		UpdatedAt:   at,
		Messages:    []DBMessage{},
		Metadata:    ConversationMetadata{Model: c.Metadata.Model},
	}
	for _, m := range c.Messages {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		dm := DBMessage{
			ID:      m.ID,
			Role:    m.Role,
			Content: m.Content,
			Model:   m.Metadata.Model,
		}
		if m.Timestamp != nil {
			dm.Timestamp = m.Timestamp.UTC()
		}
		rec.Messages = append(rec.Messages, dm)
	}
	return rec
}

// IdentityKey is the key that UpsertConversation matches on: the platform's
// native conversation id when known, else the normalized page URL.
func IdentityKey(c DBConversation) string {
	if c.ExternalID != "" {
		return string(c.Platform) + ":id:" + c.ExternalID
	}
	if u := conversation.NormalizeURL(c.PlatformURL); u != "" {
		return string(c.Platform) + ":" + u
	}
	return ""
}

// EstimateTokens approximates a token count at four runes per token.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

func validateConversation(q querier, c DBConversation) error {
	if strings.TrimSpace(c.Title) == "" {
		return invalid("title", "must not be empty")
	}
	if !c.Platform.Valid() {
		return invalid("platform", "unsupported platform %q", c.Platform)
	}
	seen := make(map[string]bool, len(c.Messages))
	for i, m := range c.Messages {
		if m.ID != "" {
			if seen[m.ID] {
				return invalid(fmt.Sprintf("messages[%d].id", i), "duplicate message id %q", m.ID)
			}
			seen[m.ID] = true
		}
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			return invalid(fmt.Sprintf("messages[%d].role", i), "must be user or assistant, got %q", m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return invalid(fmt.Sprintf("messages[%d].content", i), "must not be empty")
		}
	}
	if c.FolderID != nil {
		ok, err := exists(q, "folders", *c.FolderID)
		if err != nil {
			return err
		}
		if !ok {
			return invalid("folderId", "folder %s does not exist", *c.FolderID)
		}
	}
	return nil
}

// derive fills the fields computed from the message list.
func derive(c *DBConversation, now time.Time) {
	if c.Messages == nil {
		c.Messages = []DBMessage{}
	}
	parts := make([]string, 0, len(c.Messages)+1)
	parts = append(parts, c.Title)
	tokens := 0
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		m.ConversationID = c.ID
		m.Position = i
		if m.Tokens == 0 {
			m.Tokens = EstimateTokens(m.Content)
		}
		tokens += m.Tokens
		parts = append(parts, m.Content)
	}
	c.SearchContent = strings.ToLower(strings.Join(parts, " "))
	c.Metadata.MessageCount = len(c.Messages)
	c.Metadata.TotalTokens = tokens
	c.Metadata.LastMessagePreview = ""
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.Metadata.LastMessagePreview = truncateRunes(last.Content, previewRunes)
		if c.Metadata.Model == "" {
			c.Metadata.Model = last.Model
		}
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// CreateConversation validates and inserts c with its messages. An empty ID is
// replaced with a new UUID. The stored record is returned.
func (s *Store) CreateConversation(c DBConversation) (DBConversation, error) {
	err := s.tx(func(tx *sql.Tx) error {
		var err error
		c, err = s.createConversation(tx, c)
		return err
	})
	return c, err
}

func (s *Store) createConversation(q querier, c DBConversation) (DBConversation, error) {
	if err := validateConversation(q, c); err != nil {
		return c, err
	}
	now := s.stamp()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	derive(&c, now)
	if err := insertConversation(q, c); err != nil {
		return c, err
	}
	return c, nil
}

func insertConversation(q querier, c DBConversation) error {
	_, err := q.Exec(`INSERT INTO conversations (`+convColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, string(c.Platform), c.PlatformURL, c.ExternalID, IdentityKey(c),
		nullString(c.FolderID), c.SearchContent, c.Metadata.MessageCount, c.Metadata.TotalTokens,
		c.Metadata.LastMessagePreview, c.Metadata.Model, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation %s: %w", c.ID, err)
	}
	return insertMessages(q, c.ID, c.Messages)
}

func insertMessages(q querier, convID string, msgs []DBMessage) error {
	for _, m := range msgs {
		_, err := q.Exec(`INSERT INTO messages (id, conversation_id, role, content, timestamp, position, model, tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, convID, string(m.Role), m.Content, formatTime(m.Timestamp), m.Position, m.Model, m.Tokens,
		)
		if err != nil {
			return fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
	}
	return nil
}

// replaceConversation overwrites the row for c.ID and its whole message list.
func replaceConversation(q querier, c DBConversation) error {
	_, err := q.Exec(`UPDATE conversations SET title = ?, platform = ?, platform_url = ?, external_id = ?,
		identity_key = ?, folder_id = ?, search_content = ?, message_count = ?, total_tokens = ?,
		last_message_preview = ?, model = ?, created_at = ?, updated_at = ? WHERE id = ?`,
		c.Title, string(c.Platform), c.PlatformURL, c.ExternalID, IdentityKey(c), nullString(c.FolderID),
		c.SearchContent, c.Metadata.MessageCount, c.Metadata.TotalTokens, c.Metadata.LastMessagePreview,
		c.Metadata.Model, formatTime(c.CreatedAt), formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", c.ID, err)
	}
	if _, err := q.Exec("DELETE FROM messages WHERE conversation_id = ?", c.ID); err != nil {
		return fmt.Errorf("clearing messages of %s: %w", c.ID, err)
	}
	return insertMessages(q, c.ID, c.Messages)
}

// GetConversation loads a conversation and its messages in position order.
func (s *Store) GetConversation(id string) (DBConversation, error) {
	return getConversation(s.db, id)
}

func getConversation(q querier, id string) (DBConversation, error) {
	c, err := scanConversation(q.QueryRow("SELECT "+convColumns+" FROM conversations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return DBConversation{}, ErrNotFound
	}
	if err != nil {
		return DBConversation{}, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	c.Messages, err = loadMessages(q, id)
	if err != nil {
		return DBConversation{}, err
	}
	return c, nil
}

func scanConversation(row scanner) (DBConversation, error) {
	var (
		c                DBConversation
		plat, identity   string
		folder           sql.NullString
		created, updated string
	)
	err := row.Scan(&c.ID, &c.Title, &plat, &c.PlatformURL, &c.ExternalID, &identity, &folder,
		&c.SearchContent, &c.Metadata.MessageCount, &c.Metadata.TotalTokens,
		&c.Metadata.LastMessagePreview, &c.Metadata.Model, &created, &updated)
	if err != nil {
		return c, err
	}
	c.Platform = platform.Platform(plat)
	c.FolderID = stringPtr(folder)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return c, err
	}
	return c, nil
}

func loadMessages(q querier, convID string) ([]DBMessage, error) {
	rows, err := q.Query(`SELECT id, role, content, timestamp, position, model, tokens
		FROM messages WHERE conversation_id = ? ORDER BY position ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("querying messages of %s: %w", convID, err)
	}
	defer rows.Close()

	msgs := []DBMessage{}
	for rows.Next() {
		var (
			m    DBMessage
			role string
			ts   string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &ts, &m.Position, &m.Model, &m.Tokens); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = conversation.Role(role)
		m.ConversationID = convID
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// queryConversations runs a conversations query and then loads each
// conversation's messages. Rows are fully read before the message queries
// run, since the store has a single connection.
func queryConversations(q querier, query string, args ...any) ([]DBConversation, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	convs := []DBConversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range convs {
		if convs[i].Messages, err = loadMessages(q, convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// UpdateConversation applies a partial update. Replacing messages recomputes
// the derived metadata. UpdatedAt always advances.
func (s *Store) UpdateConversation(id string, u ConversationUpdate) (DBConversation, error) {
	var out DBConversation
	err := s.tx(func(tx *sql.Tx) error {
		c, err := getConversation(tx, id)
		if err != nil {
			return err
		}
		if u.Title != nil {
			c.Title = *u.Title
		}
		if u.Platform != nil {
			c.Platform = *u.Platform
		}
		if u.PlatformURL != nil {
			c.PlatformURL = *u.PlatformURL
		}
		if u.ClearFolder {
			c.FolderID = nil
		} else if u.FolderID != nil {
			c.FolderID = u.FolderID
		}
		if u.Model != nil {
			c.Metadata.Model = *u.Model
		}
		if u.Messages != nil {
			c.Messages = append([]DBMessage(nil), u.Messages...)
			for i := range c.Messages {
				c.Messages[i].Tokens = 0
			}
		}
		if err := validateConversation(tx, c); err != nil {
			return err
		}
		now := s.stamp()
		c.UpdatedAt = advance(c.UpdatedAt, now)
		derive(&c, now)
		if err := replaceConversation(tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// advance returns now, or a nanosecond past prev when the clock has not moved.
func advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

// UpsertConversation stores c under its identity key: a conversation already
// stored for the same platform id or page URL is replaced in place, keeping its
// id, creation time and folder; otherwise c is created. created reports which.
func (s *Store) UpsertConversation(c DBConversation) (stored DBConversation, created bool, err error) {
	key := IdentityKey(c)
	err = s.tx(func(tx *sql.Tx) error {
		var existingID string
		if key != "" {
			err := tx.QueryRow(`SELECT id FROM conversations WHERE identity_key = ?
				ORDER BY updated_at DESC LIMIT 1`, key).Scan(&existingID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("looking up identity %s: %w", key, err)
			}
		}
		if existingID == "" && c.ID != "" {
			ok, err := exists(tx, "conversations", c.ID)
			if err != nil {
				return err
			}
			if ok {
				existingID = c.ID
			}
		}
		if existingID == "" {
			created = true
			stored, err = s.createConversation(tx, c)
			return err
		}

		prev, err := getConversation(tx, existingID)
		if err != nil {
			return err
		}
		c.ID = prev.ID
		c.CreatedAt = prev.CreatedAt
		if c.FolderID == nil {
			c.FolderID = prev.FolderID
		}
		if err := validateConversation(tx, c); err != nil {
			return err
		}
		now := s.stamp()
		c.UpdatedAt = advance(prev.UpdatedAt, now)
		derive(&c, now)
		if err := replaceConversation(tx, c); err != nil {
			return err
		}
		stored = c
		return nil
	})
	return stored, created, err
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(id string) error {
	return s.tx(func(tx *sql.Tx) error {
		return deleteConversation(tx, id)
	})
}

func deleteConversation(q querier, id string) error {
	if _, err := q.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages of %s: %w", id, err)
	}
	res, err := q.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns every conversation, most recently updated first.
func (s *Store) ListConversations() ([]DBConversation, error) {
	return queryConversations(s.db, "SELECT "+convColumns+" FROM conversations ORDER BY updated_at DESC, id ASC")
}

// ConversationsByFolder lists the conversations in a folder, or those outside
// any folder when folderID is nil.
func (s *Store) ConversationsByFolder(folderID *string) ([]DBConversation, error) {
	if folderID == nil {
		return queryConversations(s.db, "SELECT "+convColumns+
			" FROM conversations WHERE folder_id IS NULL ORDER BY updated_at DESC, id ASC")
	}
	return queryConversations(s.db, "SELECT "+convColumns+
		" FROM conversations WHERE folder_id = ? ORDER BY updated_at DESC, id ASC", *folderID)
}
