// Package relay coordinates messages between monitored chat tabs, the local
// extension state and the web application.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/chatmerge/internal/platform"
)

// Internal message types, sent by page agents.
const (
	TypeConversationDetected   = "CONVERSATION_DETECTED"
	TypeConversationUpdated    = "CONVERSATION_UPDATED"
	TypeExtractConversation    = "EXTRACT_CONVERSATION"
	TypeGetPlatformInfo        = "GET_PLATFORM_INFO"
	TypeGetStats               = "GET_STATS"
	TypeSyncToWebApp           = "SYNC_TO_WEB_APP"
	TypeStartExtraction        = "START_EXTRACTION"
	TypeStopExtraction         = "STOP_EXTRACTION"
	TypeGetCurrentConversation = "GET_CURRENT_CONVERSATION"
	TypePing                   = "PING"
)

// External message types, sent by the web application.
const (
	TypeGetConversations = "GET_CONVERSATIONS"
	TypeSyncStatus       = "SYNC_STATUS"
	TypeTriggerSync      = "TRIGGER_SYNC"
)

// TypeSyncItem wraps a queued item when it is delivered to the web app.
const TypeSyncItem = "SYNC_ITEM"

const (
	errUnknownType  = "Unknown message type"
	errUnauthorized = "Unauthorized origin"
)

// SourceExtension marks envelopes the relay itself originates.
const SourceExtension = "extension"

// Envelope is the request shape for every message. Timestamp is unix ms.
type Envelope struct {
	Type      string            `json:"type"`
	Data      json.RawMessage   `json:"data,omitempty"`
	Platform  platform.Platform `json:"platform,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	TabID     int               `json:"tabId,omitempty"`
}

// Response is the reply to exactly one Envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, data any) (Envelope, error) {
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// decode unmarshals the envelope payload into v; an absent payload leaves v
// untouched.
func (e Envelope) decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
