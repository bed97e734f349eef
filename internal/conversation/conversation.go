// Package conversation holds the extracted conversation snapshot that moves
// from a page, through the relay, into the web application's store.
package conversation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/kalambet/chatmerge/internal/platform"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps attribute values like "user" or "assistant" onto a Role.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return RoleUser
	case "assistant", "model", "bot", "ai":
		return RoleAssistant
	}
	return RoleUnknown
}

type MessageMetadata struct {
	ElementID      string `json:"elementId,omitempty"`
	ClassName      string `json:"className,omitempty"`
	HasCode        bool   `json:"hasCode"`
	HasLinks       bool   `json:"hasLinks"`
	HasImages      bool   `json:"hasImages"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Message is immutable once extracted. A newer extraction replaces the whole
// message list rather than patching entries.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Timestamp *time.Time      `json:"timestamp"`
	Metadata  MessageMetadata `json:"metadata"`
}

type Flags struct {
	HasCodeBlocks bool `json:"hasCodeBlocks"`
	HasLinks      bool `json:"hasLinks"`
	HasImages     bool `json:"hasImages"`
}

type Metadata struct {
	ExtractedAt      time.Time         `json:"extractedAt"`
	MessageCount     int               `json:"messageCount"`
	Platform         platform.Platform `json:"platform"`
	Model            string            `json:"model,omitempty"`
	ConversationID   string            `json:"conversationId,omitempty"`
	PageTitle        string            `json:"pageTitle,omitempty"`
	PlatformSpecific Flags             `json:"platformSpecific"`
}

// Conversation is one extraction of a chat page. Timestamp is unix milliseconds.
type Conversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Platform  platform.Platform `json:"platform"`
	URL       string            `json:"url"`
	Messages  []Message         `json:"messages"`
	Metadata  Metadata          `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// New assembles a conversation and fills the derived metadata: id, message
// count and the content flags.
func New(p platform.Platform, title, pageURL string, msgs []Message, meta Metadata, at time.Time) *Conversation {
	if msgs == nil {
		msgs = []Message{}
	}
	meta.Platform = p
	meta.ExtractedAt = at.UTC()
	meta.MessageCount = len(msgs)
	meta.PlatformSpecific = FlagsOf(msgs)
	return &Conversation{
		ID:        NewID(p, title, at, len(msgs)),
		Title:     title,
		Platform:  p,
		URL:       pageURL,
		Messages:  msgs,
		Metadata:  meta,
		Timestamp: at.UnixMilli(),
	}
}

// FlagsOf reports whether any message carries code, links or images.
func FlagsOf(msgs []Message) Flags {
	var f Flags
	for _, m := range msgs {
		f.HasCodeBlocks = f.HasCodeBlocks || m.Metadata.HasCode
		f.HasLinks = f.HasLinks || m.Metadata.HasLinks
		f.HasImages = f.HasImages || m.Metadata.HasImages
	}
	return f
}

// NewID builds the extraction id <platform>_<titlehash>_<unixms>_<count>.
// It changes on every extraction; use StableKey for identity.
func NewID(p platform.Platform, title string, at time.Time, count int) string {
	h := "untitled"
	if title != "" {
		h = TitleHash(title)
	}
	return fmt.Sprintf("%s_%s_%d_%d", p, h, at.UnixMilli(), count)
}

// TitleHash is a 31-multiplier 32-bit string hash over UTF-16 code units,
// rendered as the base36 absolute value.
func TitleHash(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// StableKey identifies the logical conversation across extractions: the
// platform-native id when known, else the page URL without query or fragment.
// It is empty when neither is available.
func (c *Conversation) StableKey() string {
	if id := c.Metadata.ConversationID; id != "" {
		return string(c.Platform) + ":id:" + id
	}
	u := NormalizeURL(c.URL)
	if u == "" {
		return ""
	}
	return string(c.Platform) + ":" + u
}

// NormalizeURL drops the query, fragment and trailing slash so the same chat
// page maps to one key.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/")
}

// LastPreview returns up to n runes of the final message's content.
func (c *Conversation) LastPreview(n int) string {
	if len(c.Messages) == 0 {
		return ""
	}
	r := []rune(c.Messages[len(c.Messages)-1].Content)
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}
