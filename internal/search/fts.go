// Package search provides full-text search over work units and gate
// findings using SQLite FTS5.
package search

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Searcher provides full-text search capabilities. It can share the
// store's database handle or open its own.
type Searcher struct {
	db    *sql.DB
	owned bool
}

// Result represents a search result
type Result struct {
	Type      string  `json:"type"` // "unit" or "finding"
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id,omitempty"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Match     string  `json:"match"` // Highlighted match snippet
	Rank      float64 `json:"rank"`  // FTS5 bm25 score (lower is better)
	Gate      string  `json:"gate,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Query represents a search query
type Query struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	TypeFilter string `json:"type_filter"` // "unit", "finding", or "all"
}

// NewSearcher wraps an existing database handle.
func NewSearcher(db *sql.DB) *Searcher {
	return &Searcher{db: db}
}

// Open opens a searcher on its own connection to the database file.
func Open(dbPath string) (*Searcher, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Searcher{db: db, owned: true}, nil
}

// Close closes the connection if the searcher owns it.
func (s *Searcher) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// InitSchema creates the FTS5 virtual tables.
func (s *Searcher) InitSchema() error {
	if _, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS units_fts USING fts5(
			unit_id UNINDEXED,
			task_id UNINDEXED,
			title,
			description,
			files,
			status UNINDEXED,
			created_at UNINDEXED
		);
	`); err != nil {
		return fmt.Errorf("create units_fts table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS findings_fts USING fts5(
			unit_id UNINDEXED,
			gate UNINDEXED,
			verdict UNINDEXED,
			issues,
			summary,
			created_at UNINDEXED
		);
	`); err != nil {
		return fmt.Errorf("create findings_fts table: %w", err)
	}

	return nil
}

// IndexUnit indexes a work unit, replacing any earlier entry for it.
func (s *Searcher) IndexUnit(unitID, taskID, title, description string, files []string, status string) error {
	if _, err := s.db.Exec(`DELETE FROM units_fts WHERE unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("deindexing unit %s: %w", unitID, err)
	}
	_, err := s.db.Exec(`
		INSERT INTO units_fts(unit_id, task_id, title, description, files, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, unitID, taskID, title, description, strings.Join(files, " "), status, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("indexing unit %s: %w", unitID, err)
	}
	return nil
}

// IndexFinding indexes one gate verdict's issues and summary.
// Findings accumulate; every attempt stays searchable.
func (s *Searcher) IndexFinding(unitID, gate, verdict, summary string, issues []string) error {
	_, err := s.db.Exec(`
		INSERT INTO findings_fts(unit_id, gate, verdict, issues, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, unitID, gate, verdict, strings.Join(issues, "\n"), summary, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("indexing finding for %s: %w", unitID, err)
	}
	return nil
}

// RemoveUnit drops a unit and its findings from the index.
func (s *Searcher) RemoveUnit(unitID string) error {
	if _, err := s.db.Exec(`DELETE FROM units_fts WHERE unit_id = ?`, unitID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM findings_fts WHERE unit_id = ?`, unitID)
	return err
}

// Search performs a full-text search with the given query.
func (s *Searcher) Search(query Query) ([]*Result, error) {
	searchQuery, err := s.parseQuery(query.Query)
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	switch query.TypeFilter {
	case "unit":
		return s.searchUnits(searchQuery, limit, query.Offset)
	case "finding":
		return s.searchFindings(searchQuery, limit, query.Offset)
	default:
		return s.searchAll(searchQuery, limit, query.Offset)
	}
}

// SearchAdvanced executes an operator query (quoted phrases, OR,
// -term exclusion) without the plain-text normalization pass.
func (s *Searcher) SearchAdvanced(queryStr string, limit, offset int, typeFilter string) ([]*Result, error) {
	aq, err := s.ParseAdvancedQuery(queryStr)
	if err != nil {
		return nil, err
	}
	ftsQuery := s.BuildFTS5Query(aq)

	if limit <= 0 {
		limit = 20
	}

	switch typeFilter {
	case "unit":
		return s.searchUnits(ftsQuery, limit, offset)
	case "finding":
		return s.searchFindings(ftsQuery, limit, offset)
	default:
		return s.searchAll(ftsQuery, limit, offset)
	}
}

// searchUnits searches the units FTS table
func (s *Searcher) searchUnits(searchQuery string, limit, offset int) ([]*Result, error) {
	rows, err := s.db.Query(`
		SELECT
			unit_id,
			task_id,
			title,
			description,
			snippet(units_fts, 3, '<mark>', '</mark>', '...', 30) as match,
			bm25(units_fts) as rank,
			created_at
		FROM units_fts
		WHERE units_fts MATCH ?
		ORDER BY rank
		LIMIT ? OFFSET ?
	`, searchQuery, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("searching units: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r := &Result{Type: "unit"}
		var description sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Title, &description, &r.Match, &r.Rank, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Content = description.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchFindings searches the gate findings FTS table
func (s *Searcher) searchFindings(searchQuery string, limit, offset int) ([]*Result, error) {
	rows, err := s.db.Query(`
		SELECT
			unit_id,
			gate,
			verdict,
			issues,
			snippet(findings_fts, 3, '<mark>', '</mark>', '...', 40) as match,
			bm25(findings_fts) as rank,
			created_at
		FROM findings_fts
		WHERE findings_fts MATCH ?
		ORDER BY rank
		LIMIT ? OFFSET ?
	`, searchQuery, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("searching findings: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r := &Result{Type: "finding"}
		var verdict, issues sql.NullString
		if err := rows.Scan(&r.ID, &r.Gate, &verdict, &issues, &r.Match, &r.Rank, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Title = fmt.Sprintf("%s %s", r.Gate, verdict.String)
		r.Content = issues.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchAll searches both tables and interleaves by rank.
func (s *Searcher) searchAll(searchQuery string, limit, offset int) ([]*Result, error) {
	rows, err := s.db.Query(`
		SELECT * FROM (
			SELECT
				'unit' as type,
				unit_id,
				task_id,
				title,
				description as content,
				'' as gate,
				snippet(units_fts, 3, '<mark>', '</mark>', '...', 30) as match,
				bm25(units_fts) as rank,
				created_at
			FROM units_fts
			WHERE units_fts MATCH ?

			UNION ALL

			SELECT
				'finding' as type,
				unit_id,
				'' as task_id,
				gate || ' ' || verdict as title,
				issues as content,
				gate,
				snippet(findings_fts, 3, '<mark>', '</mark>', '...', 40) as match,
				bm25(findings_fts) as rank,
				created_at
			FROM findings_fts
			WHERE findings_fts MATCH ?
		)
		ORDER BY rank
		LIMIT ? OFFSET ?
	`, searchQuery, searchQuery, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r := &Result{}
		var content, gate sql.NullString
		if err := rows.Scan(&r.Type, &r.ID, &r.TaskID, &r.Title, &content, &gate, &r.Match, &r.Rank, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Content = content.String
		r.Gate = gate.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// parseQuery transforms a plain query into FTS5 syntax: stop words
// dropped, longer terms prefix-matched, terms ANDed together.
func (s *Searcher) parseQuery(query string) (string, error) {
	stopWords := map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
		"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
		"with": true, "by": true, "from": true, "as": true, "is": true,
	}

	words := strings.Fields(query)
	var searchTerms []string
	for _, word := range words {
		word = strings.ToLower(strings.Trim(word, "\"'"))
		if word == "" || stopWords[word] {
			continue
		}
		if len(word) > 3 {
			searchTerms = append(searchTerms, word+"*")
		} else {
			searchTerms = append(searchTerms, word)
		}
	}

	if len(searchTerms) == 0 {
		return "", fmt.Errorf("no valid search terms")
	}
	return strings.Join(searchTerms, " AND "), nil
}

// GetMatch returns the full stored content for a search result.
func (s *Searcher) GetMatch(resultType, id string) (string, error) {
	switch resultType {
	case "unit":
		var title, description string
		err := s.db.QueryRow(`
			SELECT title, COALESCE(description, '') FROM work_units WHERE id = ?
		`, id).Scan(&title, &description)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Title: %s\n\nDescription:\n%s", title, description), nil

	case "finding":
		rows, err := s.db.Query(`
			SELECT gate, verdict, summary, issues
			FROM findings_fts WHERE unit_id = ?
			ORDER BY created_at
		`, id)
		if err != nil {
			return "", err
		}
		defer rows.Close()

		var sections []string
		for rows.Next() {
			var gate, verdict, summary, issues string
			if err := rows.Scan(&gate, &verdict, &summary, &issues); err != nil {
				return "", err
			}
			section := fmt.Sprintf("[%s] %s: %s", gate, verdict, summary)
			if issues != "" {
				section += "\n" + issues
			}
			sections = append(sections, section)
		}
		if err := rows.Err(); err != nil {
			return "", err
		}
		if len(sections) == 0 {
			return "", fmt.Errorf("no findings for unit %s", id)
		}
		return strings.Join(sections, "\n\n"), nil

	default:
		return "", fmt.Errorf("unknown result type: %s", resultType)
	}
}

// AdvancedQuery supports boolean operators and phrase matching
type AdvancedQuery struct {
	AND []string
	OR  []string
	NOT []string

	Phrases []string
}

var phraseRegex = regexp.MustCompile(`"([^"]+)"`)

// ParseAdvancedQuery parses a search query with operators: quoted
// phrases, OR, and -term exclusion.
func (s *Searcher) ParseAdvancedQuery(queryStr string) (*AdvancedQuery, error) {
	q := &AdvancedQuery{}

	for _, match := range phraseRegex.FindAllStringSubmatch(queryStr, -1) {
		if len(match) > 1 {
			q.Phrases = append(q.Phrases, match[1])
		}
	}
	cleanQuery := phraseRegex.ReplaceAllString(queryStr, "")

	if strings.Contains(cleanQuery, " OR ") {
		for _, part := range strings.Split(cleanQuery, " OR ") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				q.OR = append(q.OR, trimmed)
			}
		}
		return q, nil
	}

	for _, part := range strings.Fields(cleanQuery) {
		if strings.HasPrefix(part, "-") && len(part) > 1 {
			q.NOT = append(q.NOT, strings.TrimPrefix(part, "-"))
		} else {
			q.AND = append(q.AND, part)
		}
	}
	return q, nil
}

// BuildFTS5Query builds an FTS5 query string from an AdvancedQuery.
func (s *Searcher) BuildFTS5Query(q *AdvancedQuery) string {
	var parts []string

	for _, phrase := range q.Phrases {
		parts = append(parts, fmt.Sprintf("%q", phrase))
	}
	for _, term := range q.AND {
		parts = append(parts, term+"*")
	}
	if len(q.OR) > 0 {
		orParts := make([]string, len(q.OR))
		for i, term := range q.OR {
			orParts[i] = term + "*"
		}
		parts = append(parts, "("+strings.Join(orParts, " OR ")+")")
	}
	for _, term := range q.NOT {
		parts = append(parts, "NOT "+term+"*")
	}

	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " AND ")
}
