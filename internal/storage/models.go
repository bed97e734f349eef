package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a record that breaks a business rule. Nothing is
// written when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type DBMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           conversation.Role `json:"role"`
	Content        string            `json:"content"`
	Timestamp      time.Time         `json:"timestamp"`
	Position       int               `json:"position"`
	Model          string            `json:"model,omitempty"`
	Tokens         int               `json:"tokens,omitempty"`
}

type ConversationMetadata struct {
	MessageCount       int    `json:"messageCount"`
	TotalTokens        int    `json:"totalTokens,omitempty"`
	LastMessagePreview string `json:"lastMessagePreview,omitempty"`
	Model              string `json:"model,omitempty"`
}

// DBConversation is a persisted conversation. FolderID is a weak reference:
// deleting the folder without moveToRoot leaves it dangling.
type DBConversation struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	Platform      platform.Platform    `json:"platform"`
	Messages      []DBMessage          `json:"messages"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	FolderID      *string              `json:"folderId,omitempty"`
	PlatformURL   string               `json:"platformUrl,omitempty"`
	ExternalID    string               `json:"externalId,omitempty"`
	SearchContent string               `json:"searchContent,omitempty"`
	Metadata      ConversationMetadata `json:"metadata"`
}

type DBFolder struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ParentID          *string   `json:"parentId,omitempty"`
	Color             string    `json:"color,omitempty"`
	Icon              string    `json:"icon,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	ConversationCount int       `json:"conversationCount"`
}

// FolderNode is a folder with its nested children.
type FolderNode struct {
	DBFolder
	Children []FolderNode `json:"children"`
}

type DBSetting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ConversationUpdate is a partial update. Nil fields are left unchanged; a
// non-nil Messages replaces the whole message list.
type ConversationUpdate struct {
	Title       *string
	Platform    *platform.Platform
	PlatformURL *string
	FolderID    *string
	ClearFolder bool
	Messages    []DBMessage
	Model       *string
}

type FolderUpdate struct {
	Name        *string
	ParentID    *string
	ClearParent bool
	Color       *string
	Icon        *string
}

type SearchOptions struct {
	Query     string              `json:"query"`
	Platforms []platform.Platform `json:"platforms,omitempty"`
	FolderIDs []string            `json:"folderIds,omitempty"`
	// RootOnly restricts results to conversations outside any folder.
	RootOnly bool       `json:"rootOnly,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Limit    int        `json:"limit,omitempty"`
	Offset   int        `json:"offset,omitempty"`
}

type SearchResult struct {
	Conversations []DBConversation `json:"conversations"`
	Total         int              `json:"total"`
	HasMore       bool             `json:"hasMore"`
	Query         string           `json:"query"`
}

type BulkOpType string

const (
	BulkAdd    BulkOpType = "add"
	BulkUpdate BulkOpType = "update"
	BulkDelete BulkOpType = "delete"
)

type BulkOperation struct {
	Type BulkOpType     `json:"type"`
	Data DBConversation `json:"data"`
}

type BulkError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type BulkResult struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Errors     []BulkError `json:"errors"`
}

type PlatformStat struct {
	ConversationCount int `json:"conversationCount"`
	MessageCount      int `json:"messageCount"`
}

type Stats struct {
	ConversationCount int                                `json:"conversationCount"`
	MessageCount      int                                `json:"messageCount"`
	FolderCount       int                                `json:"folderCount"`
	TotalSize         int64                              `json:"totalSize"`
	LastSyncTime      *time.Time                         `json:"lastSyncTime,omitempty"`
	PlatformStats     map[platform.Platform]PlatformStat `json:"platformStats"`
}

// ExportVersion is written into every export snapshot.
const ExportVersion = "1.0.0"

type ExportData struct {
	Conversations []DBConversation           `json:"conversations"`
	Folders       []DBFolder                 `json:"folders"`
	Settings      map[string]json.RawMessage `json:"settings"`
	ExportDate    time.Time                  `json:"exportDate"`
	Version       string                     `json:"version"`
}

type MergeStrategy string

const (
	// MergeReplace clears the store and loads the snapshot.
	MergeReplace MergeStrategy = "replace"
	// MergeOverwrite inserts new records and overwrites records with the same id.
	MergeOverwrite MergeStrategy = "merge"
	// MergeSkipExisting inserts only records whose id is not present.
	MergeSkipExisting MergeStrategy = "skip-existing"
)

// ParseMergeStrategy validates a strategy name; empty means merge.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case "":
		return MergeOverwrite, nil
	case MergeReplace, MergeOverwrite, MergeSkipExisting:
		return MergeStrategy(s), nil
	}
	return "", invalid("mergeStrategy", "unknown strategy %q (use replace, merge or skip-existing)", s)
}

type ImportOptions struct {
	MergeStrategy MergeStrategy `json:"mergeStrategy"`
}

type ImportResult struct {
	TotalConversations    int      `json:"totalConversations"`
	ImportedConversations int      `json:"importedConversations"`
	TotalFolders          int      `json:"totalFolders"`
	ImportedFolders       int      `json:"importedFolders"`
	Skipped               int      `json:"skipped"`
	Errors                []string `json:"errors"`
}
