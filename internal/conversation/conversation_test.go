package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatmerge/internal/platform"
)

func TestTitleHash(t *testing.T) {
	// Values match the classic (h<<5)-h+c 32-bit string hash.
	tests := map[string]string{
		"a":     "2p",
		"hello": "1n1e4y",
	}
	for in, want := range tests {
		if got := TitleHash(in); got != want {
			t.Errorf("TitleHash(%q) = %q, want %q", in, got, want)
		}
	}
	if TitleHash("你好") == "" {
		t.Error("TitleHash of CJK title is empty")
	}
}

func TestNewID(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	id := NewID(platform.ChatGPT, "", at, 3)
	if id != "chatgpt_untitled_1700000000000_3" {
		t.Errorf("NewID = %q", id)
	}
	if !strings.HasPrefix(NewID(platform.Grok, "x", at, 0), "grok_") {
		t.Error("NewID should start with the platform")
	}
}

func TestNewFillsMetadata(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "code", Metadata: MessageMetadata{HasCode: true}},
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := New(platform.Doubao, "T", "https://www.doubao.com/chat/1", msgs, Metadata{Model: "m"}, at)

	if c.Metadata.MessageCount != len(c.Messages) {
		t.Errorf("MessageCount = %d, want %d", c.Metadata.MessageCount, len(c.Messages))
	}
	if !c.Metadata.PlatformSpecific.HasCodeBlocks {
		t.Error("HasCodeBlocks = false, want true")
	}
	if c.Metadata.PlatformSpecific.HasLinks {
		t.Error("HasLinks = true, want false")
	}
	if c.Timestamp != at.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", c.Timestamp, at.UnixMilli())
	}
	if c.Metadata.Platform != platform.Doubao {
		t.Errorf("Metadata.Platform = %q", c.Metadata.Platform)
	}

	empty := New(platform.Doubao, "T", "", nil, Metadata{}, at)
	if empty.Messages == nil || empty.Metadata.MessageCount != 0 {
		t.Errorf("empty conversation: messages=%v count=%d", empty.Messages, empty.Metadata.MessageCount)
	}
}

func TestStableKey(t *testing.T) {
	a := &Conversation{Platform: platform.ChatGPT, URL: "https://ChatGPT.com/c/abc/?model=x#frag"}
	b := &Conversation{Platform: platform.ChatGPT, URL: "https://chatgpt.com/c/abc"}
	if a.StableKey() != b.StableKey() {
		t.Errorf("StableKey differs: %q vs %q", a.StableKey(), b.StableKey())
	}

	withID := &Conversation{Platform: platform.ChatGPT, URL: "https://chatgpt.com/", Metadata: Metadata{ConversationID: "abc"}}
	if got := withID.StableKey(); got != "chatgpt:id:abc" {
		t.Errorf("StableKey = %q, want chatgpt:id:abc", got)
	}

	if got := (&Conversation{Platform: platform.Grok}).StableKey(); got != "" {
		t.Errorf("StableKey without url = %q, want empty", got)
	}
}

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"user": RoleUser, " Assistant ": RoleAssistant, "model": RoleAssistant, "system": RoleUnknown,
	}
	for in, want := range tests {
		if got := ParseRole(in); got != want {
			t.Errorf("ParseRole(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLastPreview(t *testing.T) {
	c := &Conversation{Messages: []Message{{Content: "first"}, {Content: "αβγδε"}}}
	if got := c.LastPreview(3); got != "αβγ…" {
		t.Errorf("LastPreview(3) = %q", got)
	}
	if got := c.LastPreview(10); got != "αβγδε" {
		t.Errorf("LastPreview(10) = %q", got)
	}
}
