package extract

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

// titleModel maps a page-title substring to a model name.
type titleModel struct {
	substr string
	model  string
}

// base holds the selector-table driven strategies every variant composes.
type base struct {
	prof  platform.Profile
	rules roleRules
	// wholeFallback reads the whole message element when no content selector matches.
	wholeFallback bool
	titleModels   []titleModel
}

func newBase(p platform.Platform, rules roleRules) base {
	prof, ok := platform.ProfileFor(p)
	if !ok {
		panic(fmt.Sprintf("extract: no profile for %s", p))
	}
	rules.alternation = prof.Alternation
	return base{prof: prof, rules: rules}
}

func (b base) Platform() platform.Platform { return b.prof.Platform }

func (b base) DefaultTitle() string { return b.prof.DefaultTitle }

func (b base) DetectRole(s *goquery.Selection, index int) conversation.Role {
	return b.rules.detect(s, index)
}

func (b base) ExtractTitle(p *Page) string {
	for _, sel := range b.prof.TitleSelectors {
		text := NormalizeWhitespace(p.Doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		if t := b.cleanTitle(text); t != "" {
			return t
		}
	}
	if b.prof.BreadcrumbSelector != "" {
		parts := strings.Split(p.Doc.Find(b.prof.BreadcrumbSelector).First().Text(), ">")
		if len(parts) > 1 {
			if last := NormalizeWhitespace(parts[len(parts)-1]); last != "" {
				return last
			}
		}
	}
	if b.prof.URLTitle != nil {
		if m := b.prof.URLTitle.FindStringSubmatch(urlPath(p.URL)); m != nil {
			return fmt.Sprintf(b.prof.URLTitleFormat, m[1])
		}
	}
	return b.prof.DefaultTitle
}

func (b base) cleanTitle(t string) string {
	for _, re := range b.prof.TitlePrefixes {
		t = re.ReplaceAllString(t, "")
	}
	return NormalizeWhitespace(t)
}

func (b base) ExtractMessages(p *Page, now time.Time) []conversation.Message {
	convID := b.conversationID(p)
	msgs := []conversation.Message{}
	for i, s := range b.candidates(p) {
		role := b.rules.detect(s, i)
		if role == conversation.RoleUnknown {
			continue
		}
		content := b.content(s)
		if content == "" {
			continue
		}
		msgs = append(msgs, conversation.Message{
			ID:        b.messageID(s, i),
			Role:      role,
			Content:   content,
			Timestamp: ParseTimestamp(s, b.prof.TimestampSelectors, now),
			Metadata: conversation.MessageMetadata{
				ElementID:      s.AttrOr("id", ""),
				ClassName:      s.AttrOr("class", ""),
				HasCode:        s.Find("pre, code, .code-block").Length() > 0,
				HasLinks:       s.Find("a[href]").Length() > 0,
				HasImages:      s.Find("img").Length() > 0,
				MessageID:      s.AttrOr("data-message-id", ""),
				ConversationID: convID,
				Model:          b.model(p, s),
			},
		})
	}
	return msgs
}

// ExtractMetadata describes the page as a whole.
func (b base) ExtractMetadata(p *Page) conversation.Metadata {
	return conversation.Metadata{
		Model:          b.model(p, nil),
		ConversationID: b.conversationID(p),
		PageTitle:      p.Title,
	}
}

// candidates returns message elements in document order, with elements nested
// inside another candidate removed.
func (b base) candidates(p *Page) []*goquery.Selection {
	var chosen *goquery.Selection
	for _, sel := range b.prof.MessageSelectors {
		found := p.Doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		if b.prof.MessageScan == platform.FirstMatch {
			chosen = found
			break
		}
		if chosen == nil || found.Length() > chosen.Length() {
			chosen = found
		}
	}

	var nodes []*html.Node
	if chosen != nil {
		nodes = chosen.Nodes
	} else if b.prof.AvatarSelector != "" {
		p.Doc.Find(b.prof.AvatarSelector).Each(func(_ int, av *goquery.Selection) {
			holder := av.Parent().Closest(`[class*="message"], [class*="chat"], [class*="conversation"]`)
			if holder.Length() == 0 {
				holder = av.Parent()
			}
			nodes = append(nodes, holder.Nodes...)
		})
	}

	seen := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		seen[n] = true
	}
	var out []*goquery.Selection
	emitted := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		if emitted[n] || hasAncestorIn(n, seen) {
			continue
		}
		emitted[n] = true
		out = append(out, p.Doc.FindNodes(n))
	}
	return out
}

func hasAncestorIn(n *html.Node, set map[*html.Node]bool) bool {
	for a := n.Parent; a != nil; a = a.Parent {
		if set[a] {
			return true
		}
	}
	return false
}

func (b base) content(s *goquery.Selection) string {
	for _, sel := range b.prof.ContentSelectors {
		if el := findOrSelf(s, sel); el != nil {
			if text := CleanContent(el, b.prof.StripSelector); text != "" {
				return text
			}
		}
	}
	if b.prof.RichestTextFallback {
		if el := richestText(s); el != nil {
			return CleanContent(el, b.prof.StripSelector)
		}
	}
	if b.wholeFallback {
		return CleanContent(s, b.prof.StripSelector)
	}
	return ""
}

func (b base) messageID(s *goquery.Selection, index int) string {
	if id := s.AttrOr("data-message-id", ""); id != "" {
		return id
	}
	if id := s.AttrOr("id", ""); id != "" {
		return id
	}
	return fmt.Sprintf("%s_msg_%d", b.prof.Platform, index)
}

// model looks inside the message first, then the whole page, then the page
// title, and finally falls back to the platform default.
func (b base) model(p *Page, s *goquery.Selection) string {
	for _, sel := range b.prof.ModelSelectors {
		var el *goquery.Selection
		if s != nil {
			el = s.Find(sel).First()
		}
		if el == nil || el.Length() == 0 {
			el = p.Doc.Find(sel).First()
		}
		if el.Length() == 0 {
			continue
		}
		if text := NormalizeWhitespace(el.Text()); text != "" {
			return text
		}
		for _, attr := range b.prof.ModelAttrs {
			if v := strings.TrimSpace(el.AttrOr(attr, "")); v != "" {
				return v
			}
		}
	}
	title := strings.ToLower(p.Title)
	for _, tm := range b.titleModels {
		if strings.Contains(title, tm.substr) {
			return tm.model
		}
	}
	return b.prof.DefaultModel
}

func (b base) conversationID(p *Page) string {
	if b.prof.ConversationIDPath != nil {
		if m := b.prof.ConversationIDPath.FindStringSubmatch(urlPath(p.URL)); m != nil {
			return m[1]
		}
	}
	for _, attr := range b.prof.ConversationIDAttrs {
		if v := strings.TrimSpace(p.Doc.Find("["+attr+"]").First().AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}
