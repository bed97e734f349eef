package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/chatmerge/internal/platform"
	"github.com/kalambet/chatmerge/internal/storage"
)

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// Status lines go to stderr so stdout stays pipeable (export, extract).

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func platformColor(p platform.Platform) string {
	switch p {
	case platform.ChatGPT:
		return colorGreen
	case platform.Gemini:
		return colorBlue
	case platform.Grok:
		return colorYellow
	}
	return colorMagenta
}

// truncate collapses whitespace and cuts s to n runes.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeConversations(w io.Writer, convs []storage.DBConversation) {
	for _, c := range convs {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			colorize(colorCyan, shortID(c.ID)),
			colorize(platformColor(c.Platform), fmt.Sprintf("%-10s", c.Platform)),
			c.UpdatedAt.Local().Format("2006-01-02 15:04"),
			truncate(c.Title, 60),
		)
	}
}

func writeTree(w io.Writer, nodes []storage.FolderNode, depth int) {
	for _, n := range nodes {
		fmt.Fprintf(w, "%s%s  %s (%d)\n", strings.Repeat("  ", depth), colorize(colorCyan, shortID(n.ID)), n.Name, n.ConversationCount)
		writeTree(w, n.Children, depth+1)
	}
}
