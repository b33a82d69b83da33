package search

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

func newTestSearcher(t *testing.T) *Searcher {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return s
}

func TestInitSchema(t *testing.T) {
	s := newTestSearcher(t)

	for _, table := range []string{"units_fts", "findings_fts"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Errorf("Table %s not created: %v", table, err)
		}
	}
}

func TestIndexUnitReplacesEarlierEntry(t *testing.T) {
	s := newTestSearcher(t)

	unitID := "task-1-u1"
	if err := s.IndexUnit(unitID, "task-1", "Implement login handler", "Create login endpoint", []string{"auth/login.go"}, "pending"); err != nil {
		t.Fatalf("IndexUnit failed: %v", err)
	}

	// Re-index the same unit with a new status
	if err := s.IndexUnit(unitID, "task-1", "Implement login handler", "Create login endpoint", []string{"auth/login.go"}, "integrated"); err != nil {
		t.Fatalf("IndexUnit failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM units_fts WHERE unit_id = ?", unitID).Scan(&count); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 entry after re-indexing, got %d", count)
	}

	var status string
	if err := s.db.QueryRow("SELECT status FROM units_fts WHERE unit_id = ?", unitID).Scan(&status); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if status != "integrated" {
		t.Errorf("Expected status integrated, got %s", status)
	}
}

func TestSearch(t *testing.T) {
	s := newTestSearcher(t)

	units := []struct {
		id, title, desc string
		files           []string
	}{
		{"task-1-u1", "Implement user login", "Create login endpoint with email/password", []string{"auth/login.go"}},
		{"task-1-u2", "Implement user signup", "Create signup endpoint with validation", []string{"auth/signup.go"}},
		{"task-1-u3", "Add session tokens", "Issue signed tokens for secure sessions", []string{"auth/token.go"}},
		{"task-1-u4", "Create password reset", "Allow users to reset forgotten passwords", []string{"auth/reset.go"}},
	}
	for _, u := range units {
		if err := s.IndexUnit(u.id, "task-1", u.title, u.desc, u.files, "pending"); err != nil {
			t.Fatalf("IndexUnit failed: %v", err)
		}
	}

	results, err := s.Search(Query{Query: "login", Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected search results for 'login'")
	}

	found := false
	for _, r := range results {
		if strings.Contains(r.Title, "login") || strings.Contains(r.Content, "login") {
			found = true
		}
		if r.Type != "unit" {
			t.Errorf("Expected unit result, got type %s", r.Type)
		}
	}
	if !found {
		t.Error("Expected 'login' to appear in search results")
	}
}

func TestSearchPrefix(t *testing.T) {
	s := newTestSearcher(t)

	units := []struct {
		id, title, desc string
	}{
		{"task-1-u1", "Implement authentication", "Add auth system"},
		{"task-1-u2", "Implement author pages", "Create author profiles"},
		{"task-1-u3", "Create authorization", "Permission system"},
	}
	for _, u := range units {
		if err := s.IndexUnit(u.id, "task-1", u.title, u.desc, nil, "pending"); err != nil {
			t.Fatalf("IndexUnit failed: %v", err)
		}
	}

	// "auth" should prefix-match authentication, author, authorization
	results, err := s.Search(Query{Query: "auth", Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) < 2 {
		t.Errorf("Expected at least 2 results for prefix search 'auth', got %d", len(results))
	}
}

func TestSearchMatchesFilePaths(t *testing.T) {
	s := newTestSearcher(t)

	if err := s.IndexUnit("task-1-u1", "task-1", "Wire up payment flow", "Checkout integration", []string{"billing/checkout.go", "billing/invoice.go"}, "pending"); err != nil {
		t.Fatalf("IndexUnit failed: %v", err)
	}

	results, err := s.Search(Query{Query: "invoice", Limit: 10, TypeFilter: "unit"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 result matching a file path, got %d", len(results))
	}
	if results[0].ID != "task-1-u1" {
		t.Errorf("Expected task-1-u1, got %s", results[0].ID)
	}
}

func TestSearchFindings(t *testing.T) {
	s := newTestSearcher(t)

	if err := s.IndexFinding("task-1-u1", "security", "fail", "Two blocking issues found", []string{
		"SQL injection in query builder",
		"Hardcoded credential in config loader",
	}); err != nil {
		t.Fatalf("IndexFinding failed: %v", err)
	}
	if err := s.IndexFinding("task-1-u1", "security", "pass", "Issues resolved", nil); err != nil {
		t.Fatalf("IndexFinding failed: %v", err)
	}

	results, err := s.Search(Query{Query: "injection", Limit: 10, TypeFilter: "finding"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 finding result, got %d", len(results))
	}

	r := results[0]
	if r.Type != "finding" {
		t.Errorf("Expected type finding, got %s", r.Type)
	}
	if r.Gate != "security" {
		t.Errorf("Expected gate security, got %s", r.Gate)
	}
	if !strings.Contains(r.Title, "fail") {
		t.Errorf("Expected verdict in title, got %q", r.Title)
	}
}

func TestSearchAllInterleavesTypes(t *testing.T) {
	s := newTestSearcher(t)

	if err := s.IndexUnit("task-1-u1", "task-1", "Harden migration runner", "Schema migration safety", []string{"db/migrate.go"}, "executing"); err != nil {
		t.Fatalf("IndexUnit failed: %v", err)
	}
	if err := s.IndexFinding("task-1-u1", "review", "fail", "Migration rollback is missing", []string{"No down migration for schema change"}); err != nil {
		t.Fatalf("IndexFinding failed: %v", err)
	}

	results, err := s.Search(Query{Query: "migration", Limit: 10, TypeFilter: "all"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	seen := map[string]bool{}
	for _, r := range results {
		seen[r.Type] = true
	}
	if !seen["unit"] || !seen["finding"] {
		t.Errorf("Expected both unit and finding results, got %v", seen)
	}
}

func TestSearchSnippetHighlighting(t *testing.T) {
	s := newTestSearcher(t)

	if err := s.IndexUnit("task-1-u1", "task-1", "Refactor scheduler", "Rework the retry scheduler to honor backoff windows", nil, "pending"); err != nil {
		t.Fatalf("IndexUnit failed: %v", err)
	}

	results, err := s.Search(Query{Query: "backoff", Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Expected results for 'backoff'")
	}
	if !strings.Contains(results[0].Match, "<mark>") {
		t.Errorf("Expected highlighted snippet, got %q", results[0].Match)
	}
}

func TestSearchLimitAndOffset(t *testing.T) {
	s := newTestSearcher(t)

	for i := 1; i <= 5; i++ {
		id := db.UnitID("task-1", i)
		if err := s.IndexUnit(id, "task-1", "Polish widget rendering", "Widget layout cleanup", nil, "pending"); err != nil {
			t.Fatalf("IndexUnit failed: %v", err)
		}
	}

	first, err := s.Search(Query{Query: "widget", Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 results with limit 2, got %d", len(first))
	}

	rest, err := s.Search(Query{Query: "widget", Limit: 10, Offset: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("Expected 3 results at offset 2, got %d", len(rest))
	}
}

func TestRemoveUnit(t *testing.T) {
	s := newTestSearcher(t)

	if err := s.IndexUnit("task-1-u1", "task-1", "Remove me", "Temporary unit", nil, "pending"); err != nil {
		t.Fatalf("IndexUnit failed: %v", err)
	}
	if err := s.IndexFinding("task-1-u1", "build-test", "fail", "Compile error", []string{"undefined symbol"}); err != nil {
		t.Fatalf("IndexFinding failed: %v", err)
	}

	if err := s.RemoveUnit("task-1-u1"); err != nil {
		t.Fatalf("RemoveUnit failed: %v", err)
	}

	results, err := s.Search(Query{Query: "temporary", Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no unit results after removal, got %d", len(results))
	}

	findings, err := s.Search(Query{Query: "compile", Limit: 10, TypeFilter: "finding"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("Expected no finding results after removal, got %d", len(findings))
	}
}

func TestParseQuery(t *testing.T) {
	s := &Searcher{}

	tests := []struct {
		input    string
		contains []string
	}{
		{"login", []string{"login*"}},
		{"login signup", []string{"login*", "signup*"}},
		{"the login", []string{"login*"}}, // Stop word removed
		{"fix bug", []string{"bug"}},      // Short terms stay exact
	}

	for _, tt := range tests {
		result, err := s.parseQuery(tt.input)
		if err != nil {
			t.Errorf("parseQuery(%q) failed: %v", tt.input, err)
			continue
		}
		for _, want := range tt.contains {
			if !strings.Contains(result, want) {
				t.Errorf("parseQuery(%q) = %q, expected to contain %s", tt.input, result, want)
			}
		}
	}

	if _, err := s.parseQuery("the of and"); err == nil {
		t.Error("Expected error for query with only stop words")
	}
}

func TestAdvancedQuery(t *testing.T) {
	s := &Searcher{}

	q, err := s.ParseAdvancedQuery(`"exact phrase" refactor`)
	if err != nil {
		t.Fatalf("ParseAdvancedQuery failed: %v", err)
	}
	if len(q.Phrases) != 1 || q.Phrases[0] != "exact phrase" {
		t.Errorf("Expected phrase 'exact phrase', got %v", q.Phrases)
	}
	if len(q.AND) != 1 || q.AND[0] != "refactor" {
		t.Errorf("Expected AND term 'refactor', got %v", q.AND)
	}

	q, err = s.ParseAdvancedQuery("login OR signup")
	if err != nil {
		t.Fatalf("ParseAdvancedQuery failed: %v", err)
	}
	if len(q.OR) != 2 {
		t.Errorf("Expected 2 OR terms, got %d", len(q.OR))
	}

	q, err = s.ParseAdvancedQuery("migration -rollback")
	if err != nil {
		t.Fatalf("ParseAdvancedQuery failed: %v", err)
	}
	if len(q.NOT) != 1 || q.NOT[0] != "rollback" {
		t.Errorf("Expected NOT term 'rollback', got %v", q.NOT)
	}
	if len(q.AND) != 1 || q.AND[0] != "migration" {
		t.Errorf("Expected AND term 'migration', got %v", q.AND)
	}
}

func TestBuildFTS5Query(t *testing.T) {
	s := &Searcher{}

	tests := []struct {
		q    *AdvancedQuery
		want string
	}{
		{&AdvancedQuery{AND: []string{"login"}}, "login*"},
		{&AdvancedQuery{Phrases: []string{"merge conflict"}, AND: []string{"review"}}, `"merge conflict" AND review*`},
		{&AdvancedQuery{OR: []string{"login", "signup"}}, "(login* OR signup*)"},
		{&AdvancedQuery{AND: []string{"migration"}, NOT: []string{"rollback"}}, "migration* AND NOT rollback*"},
		{&AdvancedQuery{}, "*"},
	}

	for _, tt := range tests {
		got := s.BuildFTS5Query(tt.q)
		if got != tt.want {
			t.Errorf("BuildFTS5Query = %q, want %q", got, tt.want)
		}
	}
}

func TestGetMatch(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	task, err := store.CreateTask("Ship search", "Full text search over units", nil)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	unitID := db.UnitID(task.ID, 1)
	units := []*types.WorkUnit{{
		ID:          unitID,
		TaskID:      task.ID,
		Title:       "Index gate findings",
		Description: "Persist verdicts into the findings index",
		Files:       []types.FileChange{{Path: "internal/search/fts.go", Edit: types.EditMedium}},
	}}
	if err := store.SaveUnits(units); err != nil {
		t.Fatalf("SaveUnits failed: %v", err)
	}

	// The searcher shares the store's connection
	s := NewSearcher(store.DB)
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	content, err := s.GetMatch("unit", unitID)
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if !strings.Contains(content, "Index gate findings") {
		t.Error("Expected title in content")
	}
	if !strings.Contains(content, "Persist verdicts") {
		t.Error("Expected description in content")
	}

	if err := s.IndexFinding(unitID, "review", "fail", "Needs error handling", []string{"Scan errors ignored"}); err != nil {
		t.Fatalf("IndexFinding failed: %v", err)
	}
	content, err = s.GetMatch("finding", unitID)
	if err != nil {
		t.Fatalf("GetMatch failed: %v", err)
	}
	if !strings.Contains(content, "[review] fail") || !strings.Contains(content, "Scan errors ignored") {
		t.Errorf("Unexpected finding content: %q", content)
	}

	if _, err := s.GetMatch("epic", "nope"); err == nil {
		t.Error("Expected error for unknown result type")
	}
}
