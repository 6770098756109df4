package history

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, sessionID, role, content string) *Record {
	t.Helper()
	rec := &Record{SessionID: sessionID, Role: role, Content: content}
	if err := s.Append(rec); err != nil {
		t.Fatalf("Append = %v", err)
	}
	return rec
}

func TestAppendAndCount(t *testing.T) {
	s := newTestStore(t)

	rec := seed(t, s, "s1", RoleUser, "hello")
	if rec.ID == 0 {
		t.Error("Append did not backfill the row id")
	}
	if rec.CreatedAt == "" {
		t.Error("Append did not default created_at")
	}
	if rec.MsgType != "text" {
		t.Errorf("MsgType = %q; want text default", rec.MsgType)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count = %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d; want 1", n)
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "s1", RoleUser, "the weather today")
	seed(t, s, "s1", RoleAssistant, "sunny with clouds")
	seed(t, s, "s2", RoleUser, "unrelated topic")

	bySession, total, err := s.Query(QueryParams{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Query session = %v", err)
	}
	if len(bySession) != 2 || total != 2 {
		t.Errorf("session filter: len=%d total=%d; want 2/2", len(bySession), total)
	}

	byRole, _, err := s.Query(QueryParams{Role: RoleUser})
	if err != nil {
		t.Fatalf("Query role = %v", err)
	}
	if len(byRole) != 2 {
		t.Errorf("role filter: len=%d; want 2", len(byRole))
	}

	bySearch, _, err := s.Query(QueryParams{Search: "weather"})
	if err != nil {
		t.Fatalf("Query search = %v", err)
	}
	if len(bySearch) != 1 || bySearch[0].Content != "the weather today" {
		t.Errorf("search filter = %+v; want the weather row", bySearch)
	}
}

func TestQueryPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		rec := &Record{
			SessionID: "s1",
			Role:      RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: time.Date(2025, 6, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339Nano),
		}
		if err := s.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := s.Query(QueryParams{Limit: 3, Offset: 0})
	if err != nil {
		t.Fatalf("Query = %v", err)
	}
	if total != 10 {
		t.Errorf("total = %d; want 10", total)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d; want 3", len(page))
	}
	// Newest first.
	if page[0].Content != "message 9" {
		t.Errorf("first item = %q; want message 9", page[0].Content)
	}
}

func TestRecentChronological(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		rec := &Record{
			SessionID: "s1",
			Role:      RoleUser,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: time.Date(2025, 6, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339Nano),
		}
		if err := s.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.Recent("s1", 3)
	if err != nil {
		t.Fatalf("Recent = %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent len = %d; want 3", len(recent))
	}
	// Latest three, oldest of them first.
	want := []string{"m2", "m3", "m4"}
	for i, rec := range recent {
		if rec.Content != want[i] {
			t.Errorf("recent[%d] = %q; want %q", i, rec.Content, want[i])
		}
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "s1", RoleUser, "keep me not")
	seed(t, s, "s2", RoleUser, "survivor")

	n, err := s.Clear("s1")
	if err != nil {
		t.Fatalf("Clear = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear removed %d; want 1", n)
	}
	if cnt, _ := s.Count(); cnt != 1 {
		t.Errorf("Count after Clear = %d; want 1", cnt)
	}

	// FTS index must be consistent after the delete.
	hits, _, err := s.Query(QueryParams{Search: "survivor"})
	if err != nil {
		t.Fatalf("Query after Clear = %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("search after Clear = %d hits; want 1", len(hits))
	}

	n, err = s.Clear("")
	if err != nil {
		t.Fatalf("Clear all = %v", err)
	}
	if n != 1 {
		t.Errorf("Clear all removed %d; want 1", n)
	}
	if cnt, _ := s.Count(); cnt != 0 {
		t.Errorf("Count after Clear all = %d; want 0", cnt)
	}
}

func TestCleanupRetention(t *testing.T) {
	s := newTestStore(t)

	old := &Record{
		SessionID: "s1", Role: RoleUser, Content: "ancient",
		CreatedAt: time.Now().AddDate(0, 0, -400).UTC().Format(time.RFC3339Nano),
	}
	if err := s.Append(old); err != nil {
		t.Fatal(err)
	}
	seed(t, s, "s1", RoleUser, "fresh")

	n, err := s.Cleanup(180, 0)
	if err != nil {
		t.Fatalf("Cleanup = %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup removed %d; want 1", n)
	}
	if cnt, _ := s.Count(); cnt != 1 {
		t.Errorf("Count = %d; want 1", cnt)
	}
}

func TestCleanupMaxRecords(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		rec := &Record{
			SessionID: "s1", Role: RoleUser, Content: fmt.Sprintf("m%d", i),
			CreatedAt: time.Date(2025, 6, 1, 10, 0, i, 0, time.UTC).Format(time.RFC3339Nano),
		}
		if err := s.Append(rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Cleanup(0, 5)
	if err != nil {
		t.Fatalf("Cleanup = %v", err)
	}
	if n != 3 {
		t.Errorf("Cleanup removed %d; want 3", n)
	}

	recent, err := s.Recent("s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 5 || recent[0].Content != "m3" {
		t.Errorf("kept %d rows starting at %q; want 5 starting at m3", len(recent), recent[0].Content)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "s1", RoleUser, "a")
	seed(t, s, "s1", RoleAssistant, "b")
	seed(t, s, "s2", RoleUser, "c")

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats = %v", err)
	}
	if stats.TotalMessages != 3 {
		t.Errorf("TotalMessages = %d; want 3", stats.TotalMessages)
	}
	if stats.BySession["s1"] != 2 || stats.BySession["s2"] != 1 {
		t.Errorf("BySession = %v", stats.BySession)
	}
	if stats.ByRole[RoleUser] != 2 {
		t.Errorf("ByRole = %v", stats.ByRole)
	}
	if stats.EarliestRecord == "" || stats.LatestRecord == "" {
		t.Error("stats missing record timestamps")
	}
}

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", `""`},
		{"  ", `""`},
		{"weather", `"weather"`},
		{"weather today", `"weather" OR "today"`},
		{`say "hi"`, `"say" OR """hi"""`},
	}
	for _, tc := range tests {
		if got := buildFTSQuery(tc.input); got != tc.want {
			t.Errorf("buildFTSQuery(%q) = %s; want %s", tc.input, got, tc.want)
		}
	}
}
