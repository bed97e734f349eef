package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/kalambet/chatmerge/internal/storage"
)

// Live feed event types.
const (
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
	EventConnection          = "extension.connection"
)

// conversationPatch is the PATCH body. Absent fields are left unchanged.
type conversationPatch struct {
	Title       *string             `json:"title"`
	Platform    *platform.Platform  `json:"platform"`
	PlatformURL *string             `json:"platformUrl"`
	FolderID    *string             `json:"folderId"`
	ClearFolder bool                `json:"clearFolder"`
	Messages    []storage.DBMessage `json:"messages"`
	Model       *string             `json:"model"`
}

func (p conversationPatch) update() storage.ConversationUpdate {
	return storage.ConversationUpdate{
		Title:       p.Title,
		Platform:    p.Platform,
		PlatformURL: p.PlatformURL,
		FolderID:    p.FolderID,
		ClearFolder: p.ClearFolder,
		Messages:    p.Messages,
		Model:       p.Model,
	}
}

// handleListConversations lists every conversation, or one folder's when
// ?folder= is given ("root" selects conversations outside any folder).
func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			convs []storage.DBConversation
			err   error
		)
		switch folder := r.URL.Query().Get("folder"); folder {
		case "":
			convs, err = deps.Store.ListConversations()
		case "root":
			convs, err = deps.Store.ConversationsByFolder(nil)
		default:
			convs, err = deps.Store.ConversationsByFolder(&folder)
		}
		if err != nil {
			writeStoreError(w, err, "conversations")
			return
		}
		if convs == nil {
			convs = []storage.DBConversation{}
		}
		writeData(w, http.StatusOK, convs)
	}
}

func handleCreateConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var c storage.DBConversation
		if !decodeBody(w, r, maxRequestBodySize, &c) {
			return
		}
		created, err := deps.Store.CreateConversation(c)
		if err != nil {
			writeStoreError(w, err, "conversation")
			return
		}
		deps.Events.Broadcast(EventConversationCreated, created)
		writeData(w, http.StatusCreated, created)
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetConversation(chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err, "conversation")
			return
		}
		writeData(w, http.StatusOK, c)
	}
}

func handlePatchConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch conversationPatch
		if !decodeBody(w, r, maxRequestBodySize, &patch) {
			return
		}
		c, err := deps.Store.UpdateConversation(chi.URLParam(r, "id"), patch.update())
		if err != nil {
			writeStoreError(w, err, "conversation")
			return
		}
		deps.Events.Broadcast(EventConversationUpdated, c)
		writeData(w, http.StatusOK, c)
	}
}

func handleDeleteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeleteConversation(id); err != nil {
			writeStoreError(w, err, "conversation")
			return
		}
		deps.Events.Broadcast(EventConversationDeleted, map[string]string{"id": id})
		writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleSearch reads q, platform, folder, root, start, end (RFC 3339),
// limit and offset from the query string.
func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := storage.SearchOptions{
			Query:     r.URL.Query().Get("q"),
			FolderIDs: parseListParam(r, "folder"),
			RootOnly:  parseBoolParam(r, "root"),
			Limit:     parseIntParam(r, "limit", storage.DefaultSearchLimit, 500),
			Offset:    parseIntParam(r, "offset", 0, 0),
		}
		for _, name := range parseListParam(r, "platform") {
			p, err := platform.Parse(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, "%v", err)
				return
			}
			opts.Platforms = append(opts.Platforms, p)
		}
		for key, dst := range map[string]**time.Time{"start": &opts.Start, "end": &opts.End} {
			v := r.URL.Query().Get(key)
			if v == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid %s: %v", key, err)
				return
			}
			*dst = &t
		}

		res, err := deps.Store.Search(opts)
		if err != nil {
			writeStoreError(w, err, "search")
			return
		}
		if res.Conversations == nil {
			res.Conversations = []storage.DBConversation{}
		}
		writeData(w, http.StatusOK, res)
	}
}

type bulkRequest struct {
	Operations []storage.BulkOperation `json:"operations"`
}

func handleBulk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if !decodeBody(w, r, maxImportBodySize, &req) {
			return
		}
		if len(req.Operations) == 0 {
			writeError(w, http.StatusBadRequest, "operations is required and must not be empty")
			return
		}
		res, err := deps.Store.Bulk(req.Operations)
		if err != nil {
			writeStoreError(w, err, "bulk operation")
			return
		}
		if res.Successful > 0 {
			deps.Events.Broadcast(EventConversationUpdated, map[string]int{"bulk": res.Successful})
		}
		writeData(w, http.StatusOK, res)
	}
}
