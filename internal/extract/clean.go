package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const codeBlockSelector = "pre, .code-block"

var codeTokenRe = regexp.MustCompile(`\s*\x00(\d+)\x00\s*`)

// NormalizeWhitespace collapses every whitespace run to one space and trims.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CleanContent reads the text of sel without touching the live document: the
// selection is cloned, UI controls matching strip are removed, and prose
// whitespace is collapsed. Code blocks keep their inner layout and are
// wrapped in ``` fences on their own lines.
func CleanContent(sel *goquery.Selection, strip string) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	clone := sel.First().Clone()
	if strip != "" {
		clone.Find(strip).Remove()
	}

	var blocks []string
	clone.Find(codeBlockSelector).Each(func(_ int, b *goquery.Selection) {
		if b.ParentsFiltered(codeBlockSelector).Length() > 0 {
			return
		}
		code := strings.TrimSpace(b.Text())
		if code == "" {
			b.Remove()
			return
		}
		token := fmt.Sprintf(" \x00%d\x00 ", len(blocks))
		blocks = append(blocks, code)
		b.ReplaceWithNodes(&html.Node{Type: html.TextNode, Data: token})
	})

	text := NormalizeWhitespace(clone.Text())
	if len(blocks) == 0 {
		return text
	}
	text = codeTokenRe.ReplaceAllStringFunc(text, func(m string) string {
		i, err := strconv.Atoi(codeTokenRe.FindStringSubmatch(m)[1])
		if err != nil || i >= len(blocks) {
			return " "
		}
		return "\n```\n" + blocks[i] + "\n```\n"
	})
	return strings.TrimSpace(text)
}

// richestText returns the descendant div/p/span with the longest text.
func richestText(s *goquery.Selection) *goquery.Selection {
	var best *goquery.Selection
	longest := 0
	s.Find("div, p, span").Each(func(_ int, el *goquery.Selection) {
		if n := len(strings.TrimSpace(el.Text())); n > longest {
			longest = n
			best = el
		}
	})
	return best
}

// findOrSelf returns the first descendant of s matching sel, or s itself if it
// matches.
func findOrSelf(s *goquery.Selection, sel string) *goquery.Selection {
	if found := s.Find(sel).First(); found.Length() > 0 {
		return found
	}
	if s.Is(sel) {
		return s
	}
	return nil
}
