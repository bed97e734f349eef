package extract

import "github.com/kalambet/chatmerge/internal/platform"

type yuanbao struct{ base }

func newYuanbao() *yuanbao {
	return &yuanbao{base: newBase(platform.Yuanbao, roleRules{
		attrs:            []string{"data-role", "data-message-role"},
		userClasses:      []string{"user", "human"},
		assistantClasses: []string{"assistant", "ai"},
		avatar:           `.avatar, [class*="avatar"]`,
		userAlt:          []string{"用户", "user"},
		assistantAlt:     []string{"元宝", "yuanbao"},
	})}
}
