package extract

import "github.com/kalambet/chatmerge/internal/platform"

// doubao pages rarely mark roles explicitly; the cascade ends in the
// user/assistant alternation.
type doubao struct{ base }

func newDoubao() *doubao {
	b := newBase(platform.Doubao, roleRules{
		attrs:            []string{"data-role", "data-message-role"},
		userClasses:      []string{"user", "human"},
		assistantClasses: []string{"bot", "assistant", "ai"},
		userChild:        `.user-avatar, [class*="user-avatar"]`,
		assistantChild:   `.bot-avatar, [class*="bot-avatar"], .ai-avatar, [class*="ai-avatar"]`,
		avatar:           `.avatar, [class*="avatar"], img[alt*="头像"], img[alt*="avatar"]`,
		userAlt:          []string{"用户", "user", "我"},
		assistantAlt:     []string{"豆包", "bot", "ai", "助手"},
	})
	b.wholeFallback = true
	b.titleModels = []titleModel{{"doubao", "Doubao"}, {"豆包", "Doubao"}}
	return &doubao{base: b}
}
