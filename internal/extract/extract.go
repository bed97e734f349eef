// Package extract turns a chat page's DOM into a conversation snapshot.
//
// Each supported platform has one Extractor. Variants share the cleaning,
// timestamp and role helpers in this package instead of inheriting them.
package extract

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

// Page is a parsed DOM snapshot of one browser tab.
type Page struct {
	Doc   *goquery.Document
	URL   string
	Title string
}

// ParsePage parses an HTML snapshot. When pageURL is empty the URL is recovered
// from the document itself (canonical link, og:url or a "saved from" comment).
func ParsePage(r io.Reader, pageURL string) (*Page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	if pageURL == "" {
		pageURL = SourceURL(doc)
	}
	return &Page{
		Doc:   doc,
		URL:   pageURL,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}, nil
}

var savedFromRe = regexp.MustCompile(`saved from url=\(\d+\)(\S+)`)

// SourceURL looks for the page's own address inside a saved document.
func SourceURL(doc *goquery.Document) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && href != "" {
		return strings.TrimSpace(href)
	}
	if v, ok := doc.Find(`meta[property="og:url"]`).First().Attr("content"); ok && v != "" {
		return strings.TrimSpace(v)
	}
	var found string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.CommentNode {
			if m := savedFromRe.FindStringSubmatch(n.Data); m != nil {
				found = m[1]
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return found
}

// Extractor is implemented once per platform.
type Extractor interface {
	Platform() platform.Platform
	// ExtractTitle returns the conversation title or the platform's default.
	ExtractTitle(p *Page) string
	// ExtractMessages returns messages in document order. Elements without a
	// role or content are dropped.
	ExtractMessages(p *Page, now time.Time) []conversation.Message
	DetectRole(s *goquery.Selection, index int) conversation.Role
}

// metadataSource is implemented by extractors that can describe the page
// beyond its messages.
type metadataSource interface {
	ExtractMetadata(p *Page) conversation.Metadata
	DefaultTitle() string
}

var registry = map[platform.Platform]Extractor{
	platform.ChatGPT: newChatGPT(),
	platform.Doubao:  newDoubao(),
	platform.Yuanbao: newYuanbao(),
	platform.Gemini:  newGemini(),
	platform.Grok:    newGrok(),
}

// For returns the extractor registered for p.
func For(p platform.Platform) (Extractor, bool) {
	ex, ok := registry[p]
	return ex, ok
}

// Extract runs ex over p. It returns nil when the page has neither a real
// title nor any messages, and also when the extractor panics on an
// unexpected DOM shape, since the page may simply not have finished loading.
func Extract(ex Extractor, p *Page, now time.Time) (conv *conversation.Conversation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("extraction failed", "platform", ex.Platform(), "url", p.URL, "panic", r)
			conv = nil
		}
	}()

	title := ex.ExtractTitle(p)
	msgs := ex.ExtractMessages(p, now)

	var meta conversation.Metadata
	defaultTitle := ""
	if ms, ok := ex.(metadataSource); ok {
		meta = ms.ExtractMetadata(p)
		defaultTitle = ms.DefaultTitle()
	}

	if len(msgs) == 0 && (title == "" || title == defaultTitle) {
		slog.Debug("nothing to extract", "platform", ex.Platform(), "url", p.URL)
		return nil
	}
	if title == "" {
		title = defaultTitle
	}
	for i := range msgs {
		if msgs[i].Metadata.ConversationID == "" {
			msgs[i].Metadata.ConversationID = meta.ConversationID
		}
	}
	return conversation.New(ex.Platform(), title, p.URL, msgs, meta, now)
}

// ExtractPage detects the platform from the page URL and runs its extractor.
func ExtractPage(p *Page, now time.Time) (*conversation.Conversation, error) {
	det := platform.Detect(p.URL, p.Title)
	if !det.Supported {
		return nil, fmt.Errorf("unsupported page %q", p.URL)
	}
	ex, ok := For(det.Platform)
	if !ok {
		return nil, fmt.Errorf("no extractor for %s", det.Platform)
	}
	return Extract(ex, p, now), nil
}
