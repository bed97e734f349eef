package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	minutesAgoRe = regexp.MustCompile(`(?i)(\d+)?\s*(?:minutes?|mins?)\s+ago|(\d+)?\s*分钟前`)
	hoursAgoRe   = regexp.MustCompile(`(?i)(\d+)?\s*(?:hours?|hrs?)\s+ago|(\d+)?\s*小时前`)
	daysAgoRe    = regexp.MustCompile(`(?i)(\d+)?\s*days?\s+ago|(\d+)?\s*天前`)
	justNowRe    = regexp.MustCompile(`(?i)^(?:just now|now|刚刚)$`)
	digitsRe     = regexp.MustCompile(`^\d{10,13}$`)
)

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02",
	"Jan 2, 2006, 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"2006年1月2日 15:04",
	"2006年1月2日",
}

// ParseTimestamp reads the first element under s matching one of selectors.
// A machine-readable datetime or data-timestamp attribute wins over the text.
func ParseTimestamp(s *goquery.Selection, selectors []string, now time.Time) *time.Time {
	for _, sel := range selectors {
		el := s.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		for _, attr := range []string{"datetime", "data-timestamp"} {
			if v, ok := el.Attr(attr); ok && strings.TrimSpace(v) != "" {
				if t := ParseTime(v, now); t != nil {
					return t
				}
			}
		}
		return ParseTime(el.Text(), now)
	}
	return nil
}

// ParseTime understands absolute dates, unix seconds or milliseconds, and the
// relative forms "just now", "N minutes ago", "N hours ago", "N days ago" and
// "yesterday" in English and Chinese. A missing count means one. Anything
// else yields nil.
func ParseTime(text string, now time.Time) *time.Time {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}
	lower := strings.ToLower(s)

	var t time.Time
	switch {
	case justNowRe.MatchString(lower):
		t = now
	case strings.Contains(lower, "yesterday") || strings.Contains(s, "昨天"):
		t = now.Add(-24 * time.Hour)
	case minutesAgoRe.MatchString(lower):
		t = now.Add(-time.Duration(count(minutesAgoRe, lower)) * time.Minute)
	case hoursAgoRe.MatchString(lower):
		t = now.Add(-time.Duration(count(hoursAgoRe, lower)) * time.Hour)
	case daysAgoRe.MatchString(lower):
		t = now.Add(-time.Duration(count(daysAgoRe, lower)) * 24 * time.Hour)
	case digitsRe.MatchString(s):
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		if len(s) == 13 {
			t = time.UnixMilli(n)
		} else {
			t = time.Unix(n, 0)
		}
	default:
		parsed, ok := parseAbsolute(s, now.Location())
		if !ok {
			return nil
		}
		t = parsed
	}
	t = t.UTC()
	return &t
}

func count(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		if n, err := strconv.Atoi(g); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func parseAbsolute(s string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
