//go:build integration

package bus

import (
	"os"
	"testing"
	"time"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	c, err := NewClient(skipWithoutNATS(t), os.Getenv("NATS_TOKEN"), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	got := make(chan ConversationEvent, 1)
	if err := c.SubscribeConversations(func(ev ConversationEvent) { got <- ev }); err != nil {
		t.Fatalf("SubscribeConversations: %v", err)
	}

	conv := conversation.New(platform.ChatGPT, "t", "https://chatgpt.com/c/1", nil, conversation.Metadata{}, time.Now())
	if err := c.PublishConversation("detected", conv); err != nil {
		t.Fatalf("PublishConversation: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Event != "detected" || ev.Conversation.ID != conv.ID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
