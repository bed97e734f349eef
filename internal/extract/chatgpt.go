package extract

import "github.com/kalambet/chatmerge/internal/platform"

type chatGPT struct{ base }

func newChatGPT() *chatGPT {
	b := newBase(platform.ChatGPT, roleRules{
		attrs:            []string{"data-message-author-role"},
		userClasses:      []string{"user"},
		assistantClasses: []string{"assistant"},
		userExact:        []string{"bg-gray-100"},
		assistantExact:   []string{"bg-gray-50"},
		userChild:        `[data-message-author-role="user"]`,
		assistantChild:   `[data-message-author-role="assistant"]`,
		userText:         []string{"you:"},
		assistantText:    []string{"chatgpt:"},
		ancestorAttr:     "data-message-author-role",
	})
	b.wholeFallback = true
	b.titleModels = []titleModel{{"gpt-4", "GPT-4"}, {"gpt-3", "GPT-3"}}
	return &chatGPT{base: b}
}
