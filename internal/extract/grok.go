package extract

import "github.com/kalambet/chatmerge/internal/platform"

type grok struct{ base }

func newGrok() *grok {
	return &grok{base: newBase(platform.Grok, roleRules{
		attrs:            []string{"data-role", "data-message-author-role"},
		userClasses:      []string{"user", "human"},
		assistantClasses: []string{"assistant", "grok"},
		avatar:           ".avatar",
		userAlt:          []string{"user", "you"},
	})}
}
