package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatmerge/internal/platform"
)

// LastSyncSetting is the settings key holding the time of the last inbound sync.
const LastSyncSetting = "lastSync"

// Stats counts stored records. TotalSize is the database size in bytes.
func (s *Store) Stats() (Stats, error) {
	st := Stats{PlatformStats: map[platform.Platform]PlatformStat{}}
	err := s.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM conversations),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM folders)`).Scan(&st.ConversationCount, &st.MessageCount, &st.FolderCount)
	if err != nil {
		return Stats{}, fmt.Errorf("counting records: %w", err)
	}

	rows, err := s.db.Query(`SELECT platform, COUNT(*), COALESCE(SUM(message_count), 0)
		FROM conversations GROUP BY platform`)
	if err != nil {
		return Stats{}, fmt.Errorf("querying platform stats: %w", err)
	}
	for rows.Next() {
		var (
			p  string
			ps PlatformStat
		)
		if err := rows.Scan(&p, &ps.ConversationCount, &ps.MessageCount); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("scanning platform stats: %w", err)
		}
		st.PlatformStats[platform.Platform(p)] = ps
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Stats{}, err
	}
	rows.Close()

	var pages, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		return Stats{}, fmt.Errorf("reading page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return Stats{}, fmt.Errorf("reading page size: %w", err)
	}
	st.TotalSize = pages * pageSize

	raw, err := s.GetSetting(LastSyncSetting)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Stats{}, err
	default:
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Warn("ignoring malformed last sync setting", "value", string(raw), "error", err)
		} else {
			st.LastSyncTime = &t
		}
	}
	return st, nil
}

// Export snapshots every conversation, folder and setting.
func (s *Store) Export() (ExportData, error) {
	var data ExportData
	err := s.tx(func(tx *sql.Tx) error {
		var err error
		if data.Conversations, err = queryConversations(tx,
			"SELECT "+convColumns+" FROM conversations ORDER BY updated_at DESC, id ASC"); err != nil {
			return err
		}
		if data.Folders, err = listFolders(tx); err != nil {
			return err
		}
		data.Settings, err = listSettings(tx)
		return err
	})
	if err != nil {
		return ExportData{}, fmt.Errorf("exporting: %w", err)
	}
	data.ExportDate = s.stamp()
	data.Version = ExportVersion
	return data, nil
}

// Import loads an export snapshot using the given merge strategy. Invalid
// records are skipped and reported in the result; an engine error rolls the
// whole import back.
func (s *Store) Import(data ExportData, opts ImportOptions) (ImportResult, error) {
	strategy, err := ParseMergeStrategy(string(opts.MergeStrategy))
	if err != nil {
		return ImportResult{}, err
	}
	if data.Version != "" && !strings.HasPrefix(data.Version, "1.") {
		return ImportResult{}, invalid("version", "unsupported export version %q", data.Version)
	}

	res := ImportResult{
		TotalConversations: len(data.Conversations),
		TotalFolders:       len(data.Folders),
		Errors:             []string{},
	}
	err = s.tx(func(tx *sql.Tx) error {
		if strategy == MergeReplace {
			if err := clearAll(tx); err != nil {
				return err
			}
		}

		// Folders go first so conversations can reference them.
		for _, f := range orderFolders(data.Folders) {
			done, err := s.importFolder(tx, f, strategy)
			if err != nil {
				if !isValidation(err) {
					return err
				}
				res.Errors = append(res.Errors, fmt.Sprintf("folder %s: %v", f.ID, err))
				continue
			}
			if done {
				res.ImportedFolders++
			} else {
				res.Skipped++
			}
		}

		for _, c := range data.Conversations {
			done, err := s.importConversation(tx, c, strategy)
			if err != nil {
				if !isValidation(err) {
					return err
				}
				res.Errors = append(res.Errors, fmt.Sprintf("conversation %s: %v", c.ID, err))
				continue
			}
			if done {
				res.ImportedConversations++
			} else {
				res.Skipped++
			}
		}

		at := formatTime(s.stamp())
		for k, v := range data.Settings {
			if !json.Valid(v) {
				res.Errors = append(res.Errors, fmt.Sprintf("setting %s: not valid JSON", k))
				continue
			}
			if strategy == MergeSkipExisting {
				var n int
				if err := tx.QueryRow("SELECT COUNT(*) FROM settings WHERE key = ?", k).Scan(&n); err != nil {
					return fmt.Errorf("checking setting %q: %w", k, err)
				}
				if n > 0 {
					continue
				}
			}
			if err := putSetting(tx, k, v, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("importing: %w", err)
	}
	s.logger.Info("import finished", "strategy", strategy,
		"conversations", res.ImportedConversations, "folders", res.ImportedFolders,
		"skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// importFolder reports false when the folder was skipped as already present.
// Parent references are kept as given; a parent missing from both the store
// and the snapshot leaves the folder as an orphan shown at the root.
func (s *Store) importFolder(q querier, f DBFolder, strategy MergeStrategy) (bool, error) {
	if strings.TrimSpace(f.Name) == "" {
		return false, invalid("name", "must not be empty")
	}
	if f.ID == "" {
		return false, invalid("id", "must not be empty")
	}
	now := s.stamp()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	ok, err := exists(q, "folders", f.ID)
	if err != nil {
		return false, err
	}
	switch {
	case !ok:
		return true, insertFolder(q, f)
	case strategy == MergeSkipExisting:
		return false, nil
	default:
		return true, writeFolder(q, f)
	}
}

func (s *Store) importConversation(q querier, c DBConversation, strategy MergeStrategy) (bool, error) {
	if c.ID == "" {
		return false, invalid("id", "must not be empty")
	}
	// Folder references are weak on import: a missing folder is dropped
	// rather than rejecting the conversation.
	if c.FolderID != nil {
		ok, err := exists(q, "folders", *c.FolderID)
		if err != nil {
			return false, err
		}
		if !ok {
			c.FolderID = nil
		}
	}
	if err := validateConversation(q, c); err != nil {
		return false, err
	}
	ok, err := exists(q, "conversations", c.ID)
	if err != nil {
		return false, err
	}
	if ok && strategy == MergeSkipExisting {
		return false, nil
	}
	now := s.stamp()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	for i := range c.Messages {
		c.Messages[i].Tokens = 0
	}
	derive(&c, now)
	if ok {
		return true, replaceConversation(q, c)
	}
	return true, insertConversation(q, c)
}

// orderFolders puts parents before their children where both are present.
func orderFolders(folders []DBFolder) []DBFolder {
	byID := make(map[string]DBFolder, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}
	out := make([]DBFolder, 0, len(folders))
	placed := map[string]bool{}
	var place func(f DBFolder, depth int)
	place = func(f DBFolder, depth int) {
		if placed[f.ID] || depth > len(folders) {
			return
		}
		if f.ParentID != nil {
			if p, ok := byID[*f.ParentID]; ok {
				place(p, depth+1)
			}
		}
		if !placed[f.ID] {
			placed[f.ID] = true
			out = append(out, f)
		}
	}
	for _, f := range folders {
		place(f, 0)
	}
	return out
}

// Clear removes all conversations, messages, folders and settings.
func (s *Store) Clear() error {
	return s.tx(clearAll)
}

func clearAll(tx *sql.Tx) error {
	for _, table := range []string{"messages", "conversations", "folders", "settings"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}
