// Package platform identifies the AI chat sites chatmerge understands and
// carries the per-site selector tables the extractors work from.
package platform

import (
	"fmt"
	"net/url"
	"strings"
)

// Platform names one supported chat site.
type Platform string

const (
	ChatGPT Platform = "chatgpt"
	Doubao  Platform = "doubao"
	Yuanbao Platform = "yuanbao"
	Gemini  Platform = "gemini"
	Grok    Platform = "grok"
)

var all = []Platform{ChatGPT, Doubao, Yuanbao, Gemini, Grok}

// All returns every supported platform in a fixed order.
func All() []Platform {
	out := make([]Platform, len(all))
	copy(out, all)
	return out
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	for _, q := range all {
		if p == q {
			return true
		}
	}
	return false
}

func (p Platform) String() string { return string(p) }

// Parse converts a case-insensitive name into a Platform.
func Parse(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q", s)
	}
	return p, nil
}

// DetectionResult describes what is known about a page from its URL alone.
type DetectionResult struct {
	Platform         Platform `json:"platform,omitempty"`
	URL              string   `json:"url"`
	Title            string   `json:"title,omitempty"`
	Supported        bool     `json:"supported"`
	ExtractionActive bool     `json:"extractionActive"`
	// ObserveSelectors are the elements a content script watches for
	// mutations, tried in order.
	ObserveSelectors []string `json:"observeSelectors,omitempty"`
	// SendSelectors match the buttons whose click counts as a send event.
	SendSelectors []string `json:"sendSelectors,omitempty"`
}

// Detect matches the URL's host against the known platform domains.
// Subdomains of a listed host match too.
func Detect(rawURL, title string) DetectionResult {
	res := DetectionResult{URL: rawURL, Title: title}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return res
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range all {
		for _, h := range profiles[p].Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				res.Platform = p
				res.Supported = true
				res.ObserveSelectors = profiles[p].ContainerSelectors
				res.SendSelectors = profiles[p].SendButtonSelectors
				return res
			}
		}
	}
	return res
}

// CanonicalURL returns the site root for p, used when a snapshot carries no URL.
func CanonicalURL(p Platform) string {
	prof, ok := profiles[p]
	if !ok || len(prof.Hosts) == 0 {
		return ""
	}
	return "https://" + prof.Hosts[0] + "/"
}
