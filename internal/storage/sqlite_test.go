package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatmerge/internal/conversation"
	"github.com/kalambet/chatmerge/internal/platform"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tick makes the store clock advance one second per call.
func tick(s *Store) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newConv(title string, p platform.Platform, msgs ...string) DBConversation {
	c := DBConversation{Title: title, Platform: p}
	for i, m := range msgs {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		c.Messages = append(c.Messages, DBMessage{Role: role, Content: m})
	}
	return c
}

func mustCreate(t *testing.T, s *Store, c DBConversation) DBConversation {
	t.Helper()
	out, err := s.CreateConversation(c)
	if err != nil {
		t.Fatalf("CreateConversation(%q): %v", c.Title, err)
	}
	return out
}

func strPtr(v string) *string { return &v }

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_conversations_platform", "idx_conversations_folder", "idx_conversations_updated",
		"idx_conversations_created", "idx_conversations_identity", "idx_messages_conversation", "idx_messages_role",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := openTestStore(t)

	created := mustCreate(t, s, newConv("Go Generics", platform.ChatGPT, "How do generics work?", "Type parameters."))
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.GetConversation(created.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Go Generics" {
		t.Errorf("Title = %q, want %q", got.Title, "Go Generics")
	}
	if got.Metadata.MessageCount != 2 || len(got.Messages) != 2 {
		t.Fatalf("MessageCount = %d, len(Messages) = %d, want 2", got.Metadata.MessageCount, len(got.Messages))
	}
	if got.Messages[0].Role != conversation.RoleUser || got.Messages[1].Role != conversation.RoleAssistant {
		t.Errorf("roles = %s,%s", got.Messages[0].Role, got.Messages[1].Role)
	}
	if got.Messages[1].Position != 1 {
		t.Errorf("Position = %d, want 1", got.Messages[1].Position)
	}
	if got.Metadata.LastMessagePreview != "Type parameters." {
		t.Errorf("LastMessagePreview = %q", got.Metadata.LastMessagePreview)
	}
	if want := "go generics how do generics work? type parameters."; got.SearchContent != want {
		t.Errorf("SearchContent = %q, want %q", got.SearchContent, want)
	}
	if got.Metadata.TotalTokens == 0 {
		t.Error("TotalTokens = 0, want an estimate")
	}
}

func TestGetConversationNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetConversation("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteConversation("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
}

func TestValidationRejectsWithoutWriting(t *testing.T) {
	s := openTestStore(t)

	cases := map[string]DBConversation{
		"blank title":    newConv("  ", platform.ChatGPT),
		"bad platform":   newConv("x", platform.Platform("claude")),
		"unknown role":   {Title: "x", Platform: platform.Grok, Messages: []DBMessage{{Role: conversation.RoleUnknown, Content: "hi"}}},
		"empty content":  {Title: "x", Platform: platform.Grok, Messages: []DBMessage{{Role: conversation.RoleUser, Content: " "}}},
		"missing folder": {Title: "x", Platform: platform.Grok, FolderID: strPtr("nope")},
		"duplicate ids": {Title: "x", Platform: platform.Grok, Messages: []DBMessage{
			{ID: "m", Role: conversation.RoleUser, Content: "a"},
			{ID: "m", Role: conversation.RoleAssistant, Content: "b"},
		}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateConversation(c)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
		})
	}

	all, err := s.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("stored %d conversations, want 0", len(all))
	}
}

func TestUpdateConversation(t *testing.T) {
	s := openTestStore(t)
	tick(s)

	c := mustCreate(t, s, newConv("Old", platform.Doubao, "q", "a"))

	title := "New"
	updated, err := s.UpdateConversation(c.ID, ConversationUpdate{
		Title:    &title,
		Messages: []DBMessage{{Role: conversation.RoleUser, Content: "only one"}},
	})
	if err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}
	if !updated.UpdatedAt.After(c.UpdatedAt) {
		t.Errorf("UpdatedAt %v not after %v", updated.UpdatedAt, c.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", c.CreatedAt, updated.CreatedAt)
	}

	got, err := s.GetConversation(c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "New" || len(got.Messages) != 1 || got.Metadata.MessageCount != 1 {
		t.Errorf("got title %q with %d messages (count %d)", got.Title, len(got.Messages), got.Metadata.MessageCount)
	}
	if !strings.Contains(got.SearchContent, "only one") || strings.Contains(got.SearchContent, "old") {
		t.Errorf("SearchContent = %q", got.SearchContent)
	}

	blank := ""
	if _, err := s.UpdateConversation(c.ID, ConversationUpdate{Title: &blank}); err == nil {
		t.Error("expected validation error for blank title")
	}
	if _, err := s.UpdateConversation("missing", ConversationUpdate{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	s := openTestStore(t)
	c := mustCreate(t, s, newConv("Bye", platform.Gemini, "a", "b", "c"))

	if err := s.DeleteConversation(c.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", c.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages left = %d, want 0", n)
	}
}

func TestUpsertConversationByIdentity(t *testing.T) {
	s := openTestStore(t)
	tick(s)

	first := newConv("Chat", platform.ChatGPT, "hello")
	first.ID = "chatgpt_abc_1_1"
	first.PlatformURL = "https://chatgpt.com/c/abc?model=4"
	stored, created, err := s.UpsertConversation(first)
	if err != nil || !created {
		t.Fatalf("first upsert created=%v err=%v", created, err)
	}

	second := newConv("Chat", platform.ChatGPT, "hello", "hi there")
	second.ID = "chatgpt_abc_2_2"
	second.PlatformURL = "https://chatgpt.com/c/abc/"
	again, created, err := s.UpsertConversation(second)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("second upsert created a new conversation")
	}
	if again.ID != stored.ID {
		t.Errorf("ID = %q, want %q", again.ID, stored.ID)
	}
	if again.Metadata.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", again.Metadata.MessageCount)
	}

	all, _ := s.ListConversations()
	if len(all) != 1 {
		t.Errorf("stored %d conversations, want 1", len(all))
	}

	other := newConv("Chat", platform.Doubao, "hello")
	other.PlatformURL = "https://chatgpt.com/c/abc"
	if _, created, err := s.UpsertConversation(other); err != nil || !created {
		t.Errorf("different platform: created=%v err=%v, want new record", created, err)
	}
}

func TestUpsertPrefersExternalID(t *testing.T) {
	s := openTestStore(t)

	a := newConv("A", platform.Gemini, "x")
	a.ExternalID = "g1"
	a.PlatformURL = "https://gemini.google.com/app/g1"
	first, _, err := s.UpsertConversation(a)
	if err != nil {
		t.Fatal(err)
	}

	b := newConv("A renamed", platform.Gemini, "x", "y")
	b.ExternalID = "g1"
	b.PlatformURL = "https://gemini.google.com/app"
	second, created, err := s.UpsertConversation(b)
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID || second.Title != "A renamed" {
		t.Errorf("created=%v id=%q title=%q", created, second.ID, second.Title)
	}
}

func TestFromConversationDropsUnknownRoles(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := conversation.New(platform.Grok, "T", "https://grok.com/chat/1", []conversation.Message{
		{ID: "1", Role: conversation.RoleUser, Content: "q"},
		{ID: "2", Role: conversation.RoleUnknown, Content: "?"},
		{ID: "3", Role: conversation.RoleAssistant, Content: "a"},
	}, conversation.Metadata{ConversationID: "1", Model: "grok-2"}, at)

	rec := FromConversation(c)
	if len(rec.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(rec.Messages))
	}
	if rec.ExternalID != "1" || rec.Metadata.Model != "grok-2" {
		t.Errorf("ExternalID = %q, Model = %q", rec.ExternalID, rec.Metadata.Model)
	}
	if !rec.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, at)
	}
	if got := IdentityKey(rec); got != "grok:id:1" {
		t.Errorf("IdentityKey = %q, want grok:id:1", got)
	}
}

func TestFromConversationWithoutTimestamp(t *testing.T) {
	s := openTestStore(t)
	c := conversation.New(platform.Gemini, "T", "https://gemini.google.com/app/9", []conversation.Message{
		{ID: "1", Role: conversation.RoleUser, Content: "q"},
	}, conversation.Metadata{}, time.Now())
	c.Timestamp = 0

	rec := FromConversation(c)
	if !rec.CreatedAt.IsZero() || !rec.UpdatedAt.IsZero() {
		t.Fatalf("CreatedAt = %v, UpdatedAt = %v, want zero", rec.CreatedAt, rec.UpdatedAt)
	}
	stored, _, err := s.UpsertConversation(rec)
	if err != nil {
		t.Fatalf("UpsertConversation: %v", err)
	}
	if since := time.Since(stored.CreatedAt); since < 0 || since > time.Minute {
		t.Errorf("CreatedAt = %v, want about now", stored.CreatedAt)
	}
	got, err := s.GetConversation(stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedAt.Year() < 2000 {
		t.Errorf("stored CreatedAt = %v", got.CreatedAt)
	}
}

func TestFolders(t *testing.T) {
	s := openTestStore(t)

	work, err := s.CreateFolder(DBFolder{Name: "Work"})
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	child, err := s.CreateFolder(DBFolder{Name: "Go", ParentID: &work.ID})
	if err != nil {
		t.Fatalf("CreateFolder child: %v", err)
	}
	if _, err := s.CreateFolder(DBFolder{Name: " "}); err == nil {
		t.Error("expected error for blank folder name")
	}
	if _, err := s.CreateFolder(DBFolder{Name: "x", ParentID: strPtr("nope")}); err == nil {
		t.Error("expected error for missing parent")
	}

	c := newConv("In folder", platform.Yuanbao, "q")
	c.FolderID = &child.ID
	mustCreate(t, s, c)

	got, err := s.GetFolder(child.ID)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if got.ConversationCount != 1 {
		t.Errorf("ConversationCount = %d, want 1", got.ConversationCount)
	}

	// Moving Work under its own child is a cycle.
	if _, err := s.UpdateFolder(work.ID, FolderUpdate{ParentID: &child.ID}); err == nil {
		t.Error("expected cycle to be rejected")
	}
	name := "Golang"
	if renamed, err := s.UpdateFolder(child.ID, FolderUpdate{Name: &name}); err != nil || renamed.Name != "Golang" {
		t.Errorf("UpdateFolder = %q, %v", renamed.Name, err)
	}

	tree, err := s.FolderTree()
	if err != nil {
		t.Fatalf("FolderTree: %v", err)
	}
	if len(tree) != 1 || len(tree[0].Children) != 1 || tree[0].Children[0].ID != child.ID {
		t.Fatalf("tree = %+v", tree)
	}
}

func TestDeleteFolderMoveToRoot(t *testing.T) {
	s := openTestStore(t)

	parent, _ := s.CreateFolder(DBFolder{Name: "Parent"})
	sub, _ := s.CreateFolder(DBFolder{Name: "Sub", ParentID: &parent.ID})
	c := newConv("Filed", platform.ChatGPT, "q")
	c.FolderID = &parent.ID
	c = mustCreate(t, s, c)

	if err := s.DeleteFolder(parent.ID, true); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}

	got, _ := s.GetConversation(c.ID)
	if got.FolderID != nil {
		t.Errorf("FolderID = %v, want nil", *got.FolderID)
	}
	subAfter, _ := s.GetFolder(sub.ID)
	if subAfter.ParentID != nil {
		t.Errorf("sub ParentID = %v, want nil", *subAfter.ParentID)
	}
	root, err := s.ConversationsByFolder(nil)
	if err != nil || len(root) != 1 {
		t.Errorf("root conversations = %d, %v; want 1", len(root), err)
	}
	if err := s.DeleteFolder(parent.ID, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestDeleteFolderKeepsDanglingReference(t *testing.T) {
	s := openTestStore(t)

	f, _ := s.CreateFolder(DBFolder{Name: "Gone"})
	c := newConv("Filed", platform.ChatGPT, "q")
	c.FolderID = &f.ID
	c = mustCreate(t, s, c)

	if err := s.DeleteFolder(f.ID, false); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	got, _ := s.GetConversation(c.ID)
	if got.FolderID == nil || *got.FolderID != f.ID {
		t.Errorf("FolderID = %v, want dangling %q", got.FolderID, f.ID)
	}
}

func TestFolderTreeOrphansAtRoot(t *testing.T) {
	s := openTestStore(t)
	a, _ := s.CreateFolder(DBFolder{Name: "A"})
	b, _ := s.CreateFolder(DBFolder{Name: "B", ParentID: &a.ID})
	if err := s.DeleteFolder(a.ID, false); err != nil {
		t.Fatal(err)
	}
	tree, err := s.FolderTree()
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 1 || tree[0].ID != b.ID {
		t.Errorf("tree = %+v, want orphan B at root", tree)
	}
}

func TestSearch(t *testing.T) {
	s := openTestStore(t)
	tick(s)

	folder, _ := s.CreateFolder(DBFolder{Name: "Code"})
	for i := 0; i < 5; i++ {
		c := newConv(fmt.Sprintf("Python tips %d", i), platform.ChatGPT, "list comprehension", "use brackets")
		if i%2 == 0 {
			c.FolderID = &folder.ID
		}
		mustCreate(t, s, c)
	}
	mustCreate(t, s, newConv("Rust ownership", platform.Gemini, "borrow checker"))
	mustCreate(t, s, newConv("Python on gemini", platform.Gemini, "decorators"))

	res, err := s.Search(SearchOptions{Query: "PYTHON   Comprehension"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 5 || len(res.Conversations) != 5 || res.HasMore {
		t.Errorf("Total = %d, len = %d, HasMore = %v; want 5, 5, false", res.Total, len(res.Conversations), res.HasMore)
	}
	for i := 1; i < len(res.Conversations); i++ {
		if res.Conversations[i].UpdatedAt.After(res.Conversations[i-1].UpdatedAt) {
			t.Errorf("results not sorted by UpdatedAt desc at %d", i)
		}
	}

	paged, err := s.Search(SearchOptions{Query: "python", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if paged.Total != 6 || len(paged.Conversations) != 2 || !paged.HasMore {
		t.Errorf("paged Total = %d, len = %d, HasMore = %v; want 6, 2, true", paged.Total, len(paged.Conversations), paged.HasMore)
	}

	byPlatform, _ := s.Search(SearchOptions{Query: "python", Platforms: []platform.Platform{platform.Gemini}})
	if byPlatform.Total != 1 || byPlatform.Conversations[0].Title != "Python on gemini" {
		t.Errorf("platform filter total = %d", byPlatform.Total)
	}

	byFolder, _ := s.Search(SearchOptions{FolderIDs: []string{folder.ID}})
	if byFolder.Total != 3 {
		t.Errorf("folder filter total = %d, want 3", byFolder.Total)
	}

	rootOnly, _ := s.Search(SearchOptions{RootOnly: true})
	if rootOnly.Total != 4 {
		t.Errorf("root-only total = %d, want 4", rootOnly.Total)
	}

	none, _ := s.Search(SearchOptions{Query: "python haskell"})
	if none.Total != 0 || len(none.Conversations) != 0 {
		t.Errorf("conjunctive query matched %d", none.Total)
	}
}

func TestSearchDateRange(t *testing.T) {
	s := openTestStore(t)
	tick(s)

	early := mustCreate(t, s, newConv("early", platform.Grok, "x"))
	late := mustCreate(t, s, newConv("late", platform.Grok, "x"))

	start := late.UpdatedAt
	res, err := s.Search(SearchOptions{Start: &start})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Conversations[0].ID != late.ID {
		t.Errorf("start filter returned %d results", res.Total)
	}

	end := early.UpdatedAt
	res, _ = s.Search(SearchOptions{End: &end})
	if res.Total != 1 || res.Conversations[0].ID != early.ID {
		t.Errorf("end filter returned %d results", res.Total)
	}
}

func TestBulk(t *testing.T) {
	s := openTestStore(t)
	keep := mustCreate(t, s, newConv("Keep", platform.ChatGPT, "q"))
	drop := mustCreate(t, s, newConv("Drop", platform.ChatGPT, "q"))

	updated := keep
	updated.Title = "Kept"
	res, err := s.Bulk([]BulkOperation{
		{Type: BulkAdd, Data: newConv("Added", platform.Doubao, "q", "a")},
		{Type: BulkAdd, Data: newConv("", platform.Doubao)},
		{Type: BulkUpdate, Data: updated},
		{Type: BulkDelete, Data: DBConversation{ID: drop.ID}},
		{Type: BulkDelete, Data: DBConversation{ID: drop.ID}},
		{Type: BulkOpType("merge"), Data: keep},
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if res.Total != 6 || res.Successful != 3 || res.Failed != 3 {
		t.Errorf("result = %+v, want total 6, successful 3, failed 3", res)
	}
	wantIdx := []int{1, 4, 5}
	for i, e := range res.Errors {
		if e.Index != wantIdx[i] {
			t.Errorf("Errors[%d].Index = %d, want %d", i, e.Index, wantIdx[i])
		}
	}

	got, _ := s.GetConversation(keep.ID)
	if got.Title != "Kept" {
		t.Errorf("Title = %q, want Kept", got.Title)
	}
	if _, err := s.GetConversation(drop.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("dropped conversation still present: %v", err)
	}
	all, _ := s.ListConversations()
	if len(all) != 2 {
		t.Errorf("stored %d conversations, want 2", len(all))
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetSetting("theme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.SetSetting("theme", json.RawMessage(`"dark"`)); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting("theme", json.RawMessage(`{"mode":"light"}`)); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err := s.GetSetting("theme")
	if err != nil || string(v) != `{"mode":"light"}` {
		t.Errorf("GetSetting = %s, %v", v, err)
	}
	if err := s.SetSetting("bad", json.RawMessage(`{`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, newConv("a", platform.ChatGPT, "1", "2"))
	mustCreate(t, s, newConv("b", platform.ChatGPT, "1"))
	mustCreate(t, s, newConv("c", platform.Grok, "1", "2", "3"))
	s.CreateFolder(DBFolder{Name: "F"})

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	raw, _ := json.Marshal(at)
	if err := s.SetSetting(LastSyncSetting, raw); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ConversationCount != 3 || st.MessageCount != 6 || st.FolderCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 3/6/1", st.ConversationCount, st.MessageCount, st.FolderCount)
	}
	if ps := st.PlatformStats[platform.ChatGPT]; ps.ConversationCount != 2 || ps.MessageCount != 3 {
		t.Errorf("chatgpt stats = %+v", ps)
	}
	if st.TotalSize <= 0 {
		t.Errorf("TotalSize = %d, want > 0", st.TotalSize)
	}
	if st.LastSyncTime == nil || !st.LastSyncTime.Equal(at) {
		t.Errorf("LastSyncTime = %v, want %v", st.LastSyncTime, at)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)
	f, _ := src.CreateFolder(DBFolder{Name: "Parent"})
	sub, _ := src.CreateFolder(DBFolder{Name: "Child", ParentID: &f.ID})
	c := newConv("Filed", platform.Doubao, "q", "a")
	c.FolderID = &sub.ID
	mustCreate(t, src, c)
	mustCreate(t, src, newConv("Loose", platform.Grok, "q"))
	src.SetSetting("theme", json.RawMessage(`"dark"`))

	data, err := src.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if data.Version != ExportVersion || len(data.Conversations) != 2 || len(data.Folders) != 2 {
		t.Fatalf("export = version %q, %d conversations, %d folders", data.Version, len(data.Conversations), len(data.Folders))
	}

	// Children listed before parents must still import.
	data.Folders[0], data.Folders[1] = data.Folders[1], data.Folders[0]
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ExportData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	dst := openTestStore(t)
	res, err := dst.Import(decoded, ImportOptions{MergeStrategy: MergeReplace})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.ImportedConversations != 2 || res.ImportedFolders != 2 || len(res.Errors) != 0 {
		t.Errorf("result = %+v", res)
	}
	tree, _ := dst.FolderTree()
	if len(tree) != 1 || len(tree[0].Children) != 1 || tree[0].Children[0].ConversationCount != 1 {
		t.Errorf("imported tree = %+v", tree)
	}
	if v, err := dst.GetSetting("theme"); err != nil || string(v) != `"dark"` {
		t.Errorf("theme = %s, %v", v, err)
	}
}

func TestImportStrategies(t *testing.T) {
	snapshot := func(title string) ExportData {
		return ExportData{
			Version: ExportVersion,
			Conversations: []DBConversation{
				{ID: "c1", Title: title, Platform: platform.ChatGPT},
				{ID: "c2", Title: title, Platform: platform.ChatGPT},
			},
		}
	}

	cases := []struct {
		strategy  MergeStrategy
		wantTitle string
		wantCount int
		imported  int
		skipped   int
	}{
		{MergeOverwrite, "new", 3, 2, 0},
		{MergeSkipExisting, "old", 3, 1, 1},
		{MergeReplace, "new", 2, 2, 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			s := openTestStore(t)
			mustCreate(t, s, DBConversation{ID: "c1", Title: "old", Platform: platform.ChatGPT})
			mustCreate(t, s, DBConversation{ID: "other", Title: "other", Platform: platform.Grok})

			res, err := s.Import(snapshot("new"), ImportOptions{MergeStrategy: tc.strategy})
			if err != nil {
				t.Fatalf("Import: %v", err)
			}
			if res.ImportedConversations != tc.imported || res.Skipped != tc.skipped {
				t.Errorf("imported = %d, skipped = %d; want %d, %d", res.ImportedConversations, res.Skipped, tc.imported, tc.skipped)
			}
			got, _ := s.GetConversation("c1")
			if got.Title != tc.wantTitle {
				t.Errorf("c1 title = %q, want %q", got.Title, tc.wantTitle)
			}
			all, _ := s.ListConversations()
			if len(all) != tc.wantCount {
				t.Errorf("stored %d conversations, want %d", len(all), tc.wantCount)
			}
		})
	}
}

func TestImportReportsInvalidRecords(t *testing.T) {
	s := openTestStore(t)
	res, err := s.Import(ExportData{Conversations: []DBConversation{
		{ID: "ok", Title: "fine", Platform: platform.Grok},
		{ID: "bad", Title: "", Platform: platform.Grok},
	}}, ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.ImportedConversations != 1 || len(res.Errors) != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, err := s.Import(ExportData{Version: "2.0.0"}, ImportOptions{}); err == nil {
		t.Error("expected error for unsupported version")
	}
	if _, err := ParseMergeStrategy("yolo"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, newConv("a", platform.ChatGPT, "1"))
	s.CreateFolder(DBFolder{Name: "F"})
	s.SetSetting("k", json.RawMessage(`1`))

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.ConversationCount != 0 || st.MessageCount != 0 || st.FolderCount != 0 {
		t.Errorf("after Clear: %+v", st)
	}
}
