package extract

import "github.com/kalambet/chatmerge/internal/platform"

type gemini struct{ base }

func newGemini() *gemini {
	return &gemini{base: newBase(platform.Gemini, roleRules{
		attrs:            []string{"data-message-role", "data-message-author-role"},
		userTags:         []string{"user-query"},
		assistantTags:    []string{"model-response"},
		userClasses:      []string{"user", "human", "query"},
		assistantClasses: []string{"model", "assistant", "response"},
	})}
}
