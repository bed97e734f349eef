package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kalambet/chatmerge/internal/conversation"
)

// roleRules configures the role cascade for one platform. Rules are tried in
// order: data attribute, class name, child element, ancestor attribute,
// then positional alternation.
type roleRules struct {
	attrs []string
	// custom element names, e.g. <user-query>
	userTags      []string
	assistantTags []string

	userClasses      []string
	assistantClasses []string
	// exact class names, for utility classes that do not split into words
	userExact      []string
	assistantExact []string

	userChild      string
	assistantChild string
	userText       []string
	assistantText  []string

	avatar       string
	userAlt      []string
	assistantAlt []string

	// ancestorAttr is checked on the nearest ancestor carrying it.
	ancestorAttr string

	alternation bool
}

func (r roleRules) detect(s *goquery.Selection, index int) conversation.Role {
	for _, a := range r.attrs {
		if v, ok := s.Attr(a); ok {
			if role := conversation.ParseRole(v); role != conversation.RoleUnknown {
				return role
			}
		}
	}

	if len(r.userTags) > 0 || len(r.assistantTags) > 0 {
		name := goquery.NodeName(s)
		for _, t := range r.userTags {
			if name == t {
				return conversation.RoleUser
			}
		}
		for _, t := range r.assistantTags {
			if name == t {
				return conversation.RoleAssistant
			}
		}
	}

	tokens := classTokens(s.AttrOr("class", ""))
	if tokens.any(r.userClasses) || hasAnyClass(s, r.userExact) {
		return conversation.RoleUser
	}
	if tokens.any(r.assistantClasses) || hasAnyClass(s, r.assistantExact) {
		return conversation.RoleAssistant
	}

	if r.userChild != "" && s.Find(r.userChild).Length() > 0 {
		return conversation.RoleUser
	}
	if r.assistantChild != "" && s.Find(r.assistantChild).Length() > 0 {
		return conversation.RoleAssistant
	}
	if len(r.userText) > 0 || len(r.assistantText) > 0 {
		text := strings.ToLower(s.Text())
		if containsAny(text, r.userText) {
			return conversation.RoleUser
		}
		if containsAny(text, r.assistantText) {
			return conversation.RoleAssistant
		}
	}
	if r.avatar != "" {
		if av := s.Find(r.avatar).First(); av.Length() > 0 {
			label := strings.ToLower(av.AttrOr("alt", "") + " " + av.AttrOr("aria-label", ""))
			if containsAny(label, r.userAlt) {
				return conversation.RoleUser
			}
			if containsAny(label, r.assistantAlt) {
				return conversation.RoleAssistant
			}
		}
	}

	if r.ancestorAttr != "" {
		if anc := s.ParentsFiltered("[" + r.ancestorAttr + "]").First(); anc.Length() > 0 {
			if role := conversation.ParseRole(anc.AttrOr(r.ancestorAttr, "")); role != conversation.RoleUnknown {
				return role
			}
		}
	}

	if r.alternation {
		if index%2 == 0 {
			return conversation.RoleUser
		}
		return conversation.RoleAssistant
	}
	return conversation.RoleUnknown
}

type tokenSet map[string]struct{}

// classTokens splits a class attribute into lower-cased words so that
// "bot-message" yields "bot" and "message" but "container" never yields "ai".
func classTokens(class string) tokenSet {
	set := tokenSet{}
	for _, f := range strings.FieldsFunc(strings.ToLower(class), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '-' || r == '_' || r == ':'
	}) {
		set[f] = struct{}{}
	}
	return set
}

func (t tokenSet) any(words []string) bool {
	for _, w := range words {
		if _, ok := t[w]; ok {
			return true
		}
	}
	return false
}

func hasAnyClass(s *goquery.Selection, classes []string) bool {
	for _, c := range classes {
		if s.HasClass(c) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
