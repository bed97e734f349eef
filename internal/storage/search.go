package storage

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSearchLimit applies when SearchOptions.Limit is zero or negative.
const DefaultSearchLimit = 50

// Search filters conversations by platform, folder and updated-at range, then
// keeps those whose search content contains every lower-cased query term.
// Total counts all matches; Limit and Offset page through them, newest first.
func (s *Store) Search(opts SearchOptions) (SearchResult, error) {
	var (
		where []string
		args  []any
	)
	if len(opts.Platforms) > 0 {
		where = append(where, "platform IN ("+placeholders(len(opts.Platforms))+")")
		for _, p := range opts.Platforms {
			args = append(args, string(p))
		}
	}
	if opts.RootOnly {
		where = append(where, "folder_id IS NULL")
	} else if len(opts.FolderIDs) > 0 {
		where = append(where, "folder_id IN ("+placeholders(len(opts.FolderIDs))+")")
		for _, id := range opts.FolderIDs {
			args = append(args, id)
		}
	}
	if opts.Start != nil || opts.End != nil {
		start := time.Unix(0, 0)
		if opts.Start != nil {
			start = *opts.Start
		}
		end := s.stamp()
		if opts.End != nil {
			end = *opts.End
		}
		where = append(where, "updated_at >= ? AND updated_at <= ?")
		args = append(args, formatTime(start), formatTime(end))
	}
	for _, term := range strings.Fields(strings.ToLower(opts.Query)) {
		where = append(where, "instr(search_content, ?) > 0")
		args = append(args, term)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations"+clause, args...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("counting search results: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	convs, err := queryConversations(s.db,
		"SELECT "+convColumns+" FROM conversations"+clause+" ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return SearchResult{}, err
	}

	return SearchResult{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
		Query:         opts.Query,
	}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
