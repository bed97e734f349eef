package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/chatmerge/internal/connection"
	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/relay"
	"github.com/kalambet/chatmerge/internal/state"
	"github.com/kalambet/chatmerge/internal/storage"
)

// SyncResult reports what the web app did with one relayed message.
type SyncResult struct {
	Accepted       bool   `json:"accepted"`
	Created        bool   `json:"created,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// handleSync receives envelopes from the relay. Conversation snapshots are
// upserted; records that fail validation are acknowledged as not accepted so
// the relay does not retry them forever.
func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env relay.Envelope
		if !decodeBody(w, r, maxRequestBodySize, &env) {
			return
		}

		var (
			res SyncResult
			err error
		)
		switch env.Type {
		case relay.TypeConversationDetected, relay.TypeConversationUpdated:
			res, err = syncConversation(deps, env.Data)
		case relay.TypeSyncItem:
			var item state.SyncQueueItem
			if err := json.Unmarshal(env.Data, &item); err != nil {
				writeError(w, http.StatusBadRequest, "invalid sync item: %v", err)
				return
			}
			res, err = syncItem(deps, item)
		default:
			writeError(w, http.StatusBadRequest, "Unknown message type")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "sync %s: %v", env.Type, err)
			return
		}

		stamp, _ := json.Marshal(time.Now().UTC())
		if err := deps.Store.SetSetting(storage.LastSyncSetting, stamp); err != nil {
			deps.logger().Warn("recording last sync", "error", err)
		}
		writeData(w, http.StatusOK, res)
	}
}

func syncItem(deps AppDeps, item state.SyncQueueItem) (SyncResult, error) {
	switch item.Type {
	case relay.TypeConversationDetected, relay.TypeConversationUpdated:
		return syncConversation(deps, item.Payload)
	}
	deps.logger().Info("sync item acknowledged", "item_id", item.ID, "type", item.Type)
	return SyncResult{Accepted: false, Reason: fmt.Sprintf("no handler for %s", item.Type)}, nil
}

func syncConversation(deps AppDeps, raw json.RawMessage) (SyncResult, error) {
	var conv conversation.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return SyncResult{Reason: fmt.Sprintf("invalid conversation: %v", err)}, nil
	}
	stored, created, err := deps.Store.UpsertConversation(storage.FromConversation(&conv))
	var verr *storage.ValidationError
	if errors.As(err, &verr) {
		deps.logger().Warn("rejected synced conversation", "platform", conv.Platform, "error", verr)
		return SyncResult{Reason: verr.Error()}, nil
	}
	if err != nil {
		return SyncResult{}, err
	}

	event := EventConversationUpdated
	if created {
		event = EventConversationCreated
	}
	deps.Events.Broadcast(event, stored)
	deps.logger().Debug("conversation synced", "id", stored.ID, "platform", stored.Platform, "created", created)
	return SyncResult{Accepted: true, Created: created, ConversationID: stored.ID}, nil
}

// ExtensionStatus is the relay link state shown in the web app.
type ExtensionStatus struct {
	connection.Status
	Monitored bool `json:"monitored"`
}

func handleExtensionStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Connection == nil {
			writeData(w, http.StatusOK, ExtensionStatus{})
			return
		}
		writeData(w, http.StatusOK, ExtensionStatus{Status: deps.Connection.Status(), Monitored: true})
	}
}
