package platform

import (
	"regexp"
	"time"
)

// MessageScan selects how candidate message selectors are combined.
type MessageScan int

const (
	// FirstMatch uses the first selector that matches anything.
	FirstMatch MessageScan = iota
	// MostMatches uses whichever selector matches the most elements.
	MostMatches
)

// Profile is the selector and timing table for one platform. It is data only;
// the extract package decides how to apply it.
type Profile struct {
	Platform Platform
	Hosts    []string

	DefaultTitle   string
	TitleSelectors []string
	// TitlePrefixes are stripped from the start of a matched title.
	TitlePrefixes []*regexp.Regexp
	// URLTitle derives a title from the path when no selector matches.
	URLTitle       *regexp.Regexp
	URLTitleFormat string
	// BreadcrumbSelector yields the last "a > b > c" segment as a title.
	BreadcrumbSelector string

	ConversationIDPath  *regexp.Regexp
	ConversationIDAttrs []string

	ContainerSelectors []string
	MessageSelectors   []string
	MessageScan        MessageScan
	// AvatarSelector finds messages by their avatar when MessageSelectors miss.
	AvatarSelector   string
	ContentSelectors []string
	// RichestTextFallback picks the longest div/p/span when no content selector matches.
	RichestTextFallback bool
	TimestampSelectors  []string
	StripSelector       string

	ModelSelectors []string
	ModelAttrs     []string
	DefaultModel   string

	// Alternation enables the even/odd role fallback.
	Alternation bool

	SendButtonSelectors []string
	Debounce            time.Duration
	// Settle is the delay after a send event before extracting. Zero disables
	// the send side channel.
	Settle time.Duration
}

// ProfileFor returns the table for p and whether p is known.
func ProfileFor(p Platform) (Profile, bool) {
	prof, ok := profiles[p]
	return prof, ok
}

const baseStrip = `button, .copy-button, .share-button, .like-button, .dislike-button, .feedback-button, .action-button, .toolbar, ` +
	`[aria-label*="Copy"], [aria-label*="Share"], [aria-label*="复制"], [aria-label*="分享"], [aria-label*="点赞"]`

var profiles = map[Platform]Profile{
	ChatGPT: {
		Platform:     ChatGPT,
		Hosts:        []string{"chatgpt.com", "chat.openai.com"},
		DefaultTitle: "New Chat",
		TitleSelectors: []string{
			`[data-testid="conversation-title"]`, "h1", ".text-xl.font-semibold",
			".conversation-title", `[class*="conversation-title"]`,
		},
		TitlePrefixes:       []*regexp.Regexp{regexp.MustCompile(`(?i)^chatgpt\s*[-_:|]?\s*`)},
		URLTitle:            regexp.MustCompile(`/c/([^/]+)`),
		URLTitleFormat:      "ChatGPT Conversation %s",
		ConversationIDPath:  regexp.MustCompile(`/c/([^/]+)`),
		ConversationIDAttrs: []string{"data-conversation-id"},
		ContainerSelectors: []string{
			`[data-testid="conversation-turn"]`, `[data-testid="conversation-container"]`,
			".conversation-content", "main",
		},
		MessageSelectors: []string{
			"[data-message-author-role]", `[data-testid^="conversation-turn"]`,
			".group.w-full", ".text-message", ".message-content",
		},
		MessageScan: FirstMatch,
		ContentSelectors: []string{
			".markdown", ".whitespace-pre-wrap", ".prose", ".message-content", ".text-gray-800",
		},
		TimestampSelectors: []string{"time", ".timestamp", "[data-timestamp]", ".text-xs", ".text-gray-500"},
		StripSelector:      baseStrip,
		ModelSelectors:     []string{"[data-model-id]", ".model-info", ".gpt-model", `[class*="gpt-4"]`, `[class*="gpt-3"]`},
		ModelAttrs:         []string{"data-model-id"},
		DefaultModel:       "Unknown",
		SendButtonSelectors: []string{
			`button[data-testid="send-button"]`, `button[aria-label*="Send"]`,
		},
		Debounce: 800 * time.Millisecond,
		Settle:   time.Second,
	},
	Doubao: {
		Platform:     Doubao,
		Hosts:        []string{"doubao.com"},
		DefaultTitle: "豆包对话",
		TitleSelectors: []string{
			".conversation-title", ".chat-title", ".session-title", "h1", ".title",
			`[class*="title"]`, ".header-title",
		},
		TitlePrefixes: []*regexp.Regexp{
			regexp.MustCompile(`^豆包\s*`), regexp.MustCompile(`^新对话\s*`),
		},
		URLTitle:            regexp.MustCompile(`/chat/([^/]+)`),
		URLTitleFormat:      "Doubao Chat %s",
		BreadcrumbSelector:  ".breadcrumb, .nav-path",
		ConversationIDPath:  regexp.MustCompile(`/chat/([^/]+)`),
		ConversationIDAttrs: []string{"data-conversation-id", "data-session-id"},
		ContainerSelectors: []string{
			".chat-container", ".conversation-container", ".message-list", ".chat-messages",
			`[class*="chat-messages"]`, "main", ".main-content",
		},
		MessageSelectors: []string{
			".message-item", ".chat-message", ".conversation-message", `[class*="message-item"]`,
			`[class*="chat-message"]`, ".message-wrapper", ".msg-item",
		},
		MessageScan:    MostMatches,
		AvatarSelector: `[class*="avatar"], .user-avatar, .bot-avatar`,
		ContentSelectors: []string{
			".message-content", ".text-content", ".chat-text", ".msg-text", `[class*="content"]`,
			".markdown-body", ".prose",
		},
		RichestTextFallback: true,
		TimestampSelectors:  []string{".time-stamp", ".message-time", ".timestamp", "time", ".msg-time", `[class*="time"]`},
		StripSelector:       baseStrip + `, [class*="button"]`,
		ModelSelectors:      []string{".model-info", ".ai-model", "[data-model]", `[class*="model"]`},
		ModelAttrs:          []string{"data-model"},
		DefaultModel:        "Doubao AI",
		Alternation:         true,
		SendButtonSelectors: []string{
			`button[class*="send"]`, `button[aria-label*="发送"]`, `button[aria-label*="Send"]`,
			".send-button", `[class*="submit-button"]`,
		},
		Debounce: time.Second,
		Settle:   1500 * time.Millisecond,
	},
	Yuanbao: {
		Platform:           Yuanbao,
		Hosts:              []string{"yuanbao.tencent.com"},
		DefaultTitle:       "元宝对话",
		TitleSelectors:     []string{".chat-title", ".conversation-title", "h1", ".title"},
		ContainerSelectors: []string{".chat-container", "main"},
		MessageSelectors:   []string{".dialogue-item", ".chat-message", `[class*="message"]`},
		MessageScan:        FirstMatch,
		ContentSelectors:   []string{".message-text", ".content-text", `[class*="content"]`},
		TimestampSelectors: []string{".time", ".timestamp", `[class*="time"]`},
		StripSelector:      baseStrip,
		DefaultModel:       "Hunyuan",
		Debounce:           1200 * time.Millisecond,
	},
	Gemini: {
		Platform:           Gemini,
		Hosts:              []string{"gemini.google.com"},
		DefaultTitle:       "Gemini对话",
		TitleSelectors:     []string{".conversation-title", "h1", ".title"},
		ConversationIDPath: regexp.MustCompile(`/app/([^/]+)`),
		ContainerSelectors: []string{".conversation-container", "main"},
		MessageSelectors:   []string{"user-query, model-response", ".response-container", ".conversation-turn", ".message-wrapper"},
		MessageScan:        FirstMatch,
		ContentSelectors:   []string{".query-text", ".response-text", "message-content", ".message-content", ".markdown"},
		TimestampSelectors: []string{".timestamp", ".time-info", "time"},
		StripSelector:      baseStrip,
		DefaultModel:       "Gemini",
		Debounce:           time.Second,
	},
	Grok: {
		Platform:           Grok,
		Hosts:              []string{"grok.x.ai", "grok.com"},
		DefaultTitle:       "Grok对话",
		TitleSelectors:     []string{".conversation-title", "h1", ".title"},
		ConversationIDPath: regexp.MustCompile(`/chat/([^/]+)`),
		ContainerSelectors: []string{".conversation-container", "main"},
		MessageSelectors:   []string{".message", ".conversation-item", ".chat-message"},
		MessageScan:        FirstMatch,
		ContentSelectors:   []string{".message-content", ".text-content"},
		TimestampSelectors: []string{".timestamp", ".time"},
		StripSelector:      baseStrip,
		DefaultModel:       "Grok",
		Debounce:           1500 * time.Millisecond,
	},
}
