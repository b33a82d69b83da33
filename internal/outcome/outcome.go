// Package outcome normalizes external verifier output into gate verdicts
package outcome

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Outcome is the normalized result consumed from a gate tool:
// a pass/fail verdict plus the ordered blocking issues. The pipeline never
// re-derives verdicts from tool internals; this is the whole contract.
type Outcome struct {
	Verdict        types.Verdict         `json:"verdict"`
	BlockingIssues []types.BlockingIssue `json:"blocking_issues,omitempty"`
	Summary        string                `json:"summary,omitempty"`
	ExitCode       int                   `json:"exit_code,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

// Passed reports whether the outcome is a clean pass
func (o *Outcome) Passed() bool {
	return o.Verdict == types.VerdictPass
}

// IssueTexts returns the blocking issue texts in order
func (o *Outcome) IssueTexts() []string {
	texts := make([]string, 0, len(o.BlockingIssues))
	for _, issue := range o.BlockingIssues {
		texts = append(texts, issue.Text)
	}
	return texts
}

// Parser parses verifier output. JSON is authoritative; pattern matching is
// the fallback for tools that only emit prose.
type Parser struct {
	passPatterns []*regexp.Regexp
	failPatterns []*regexp.Regexp
}

// NewParser creates a parser with the default prose patterns
func NewParser() *Parser {
	return &Parser{
		passPatterns: compilePatterns(defaultPassPatterns),
		failPatterns: compilePatterns(defaultFailPatterns),
	}
}

var defaultPassPatterns = []string{
	`(?i)all tests passed`,
	`(?i)completed successfully`,
	`(?i)no issues found`,
	`(?i)\bapproved\b`,
	`(?i)\blgtm\b`,
	`(?i)verdict:\s*pass`,
	`(?i)\bpassed\b`,
}

var defaultFailPatterns = []string{
	`(?i)verdict:\s*fail`,
	`(?i)\bfailed\b`,
	`(?i)\berror:`,
	`(?i)\bvulnerabilit`,
	`(?i)\brejected\b`,
	`(?i)\bpanic:`,
	`(?i)blocking issue`,
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// jsonResult is the wire form verifiers are expected to emit
type jsonResult struct {
	Verdict        string            `json:"verdict"`
	BlockingIssues []json.RawMessage `json:"blocking_issues"`
	Summary        string            `json:"summary"`
}

type jsonIssue struct {
	Text     string `json:"text"`
	Message  string `json:"message"`
	Issue    string `json:"issue"`
	Severity string `json:"severity"`
}

// Parse normalizes verifier output. A non-zero exit code is a fail
// regardless of what the output claims. Output that carries no recognizable
// verdict fails conservatively; a silent pass is never synthesized.
func (p *Parser) Parse(output string, exitCode int) *Outcome {
	outcome := &Outcome{
		Timestamp: time.Now(),
		ExitCode:  exitCode,
	}

	if parsed, ok := parseJSON(output); ok {
		outcome.Verdict = parsed.Verdict
		outcome.BlockingIssues = parsed.BlockingIssues
		outcome.Summary = parsed.Summary
		if exitCode != 0 && outcome.Verdict == types.VerdictPass {
			outcome.Verdict = types.VerdictFail
			outcome.BlockingIssues = append(outcome.BlockingIssues, types.BlockingIssue{
				Text:     fmt.Sprintf("verifier claimed pass but exited with code %d", exitCode),
				Severity: types.SeverityCritical,
			})
		}
		return outcome
	}

	if exitCode != 0 {
		outcome.Verdict = types.VerdictFail
		outcome.BlockingIssues = []types.BlockingIssue{{
			Text:     fmt.Sprintf("process exited with code %d", exitCode),
			Severity: types.SeverityCritical,
		}}
		if issues := extractProseIssues(output); len(issues) > 0 {
			outcome.BlockingIssues = append(outcome.BlockingIssues, issues...)
		}
		outcome.Summary = firstLine(output)
		return outcome
	}

	outcome.Verdict = p.detectVerdict(output)
	outcome.Summary = firstLine(output)
	if outcome.Verdict == types.VerdictFail {
		outcome.BlockingIssues = extractProseIssues(output)
		if len(outcome.BlockingIssues) == 0 {
			outcome.BlockingIssues = []types.BlockingIssue{{
				Text:     "verifier reported failure without listing issues",
				Severity: types.SeverityCritical,
			}}
		}
	}

	return outcome
}

// detectVerdict falls back to prose patterns. Fail patterns win ties, and
// unrecognizable output fails: the gate pipeline must never pass a unit on
// output nobody understood.
func (p *Parser) detectVerdict(output string) types.Verdict {
	for _, re := range p.failPatterns {
		if re.MatchString(output) {
			return types.VerdictFail
		}
	}
	for _, re := range p.passPatterns {
		if re.MatchString(output) {
			return types.VerdictPass
		}
	}
	return types.VerdictFail
}

var fencedJSONRegex = regexp.MustCompile("```(?:json)?\n([\\s\\S]*?)\n?```")

// parseJSON tries the structured form, tolerating fenced code blocks and
// surrounding prose.
func parseJSON(output string) (*Outcome, bool) {
	candidates := []string{strings.TrimSpace(output)}
	if m := fencedJSONRegex.FindStringSubmatch(output); len(m) > 1 {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start := strings.Index(output, "{"); start >= 0 {
		if end := strings.LastIndex(output, "}"); end > start {
			candidates = append(candidates, output[start:end+1])
		}
	}

	for _, candidate := range candidates {
		if candidate == "" || !strings.HasPrefix(candidate, "{") {
			continue
		}
		var raw jsonResult
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			continue
		}
		verdict, ok := normalizeVerdict(raw.Verdict)
		if !ok {
			continue
		}

		outcome := &Outcome{Verdict: verdict, Summary: raw.Summary}
		for _, entry := range raw.BlockingIssues {
			if issue, ok := parseIssue(entry); ok {
				outcome.BlockingIssues = append(outcome.BlockingIssues, issue)
			}
		}
		return outcome, true
	}

	return nil, false
}

// parseIssue accepts either a bare string or a {text, severity} object
func parseIssue(raw json.RawMessage) (types.BlockingIssue, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return types.BlockingIssue{}, false
		}
		return types.BlockingIssue{Text: text, Severity: types.SeverityCritical}, true
	}

	var obj jsonIssue
	if err := json.Unmarshal(raw, &obj); err != nil {
		return types.BlockingIssue{}, false
	}
	issueText := obj.Text
	if issueText == "" {
		issueText = obj.Message
	}
	if issueText == "" {
		issueText = obj.Issue
	}
	if strings.TrimSpace(issueText) == "" {
		return types.BlockingIssue{}, false
	}
	return types.BlockingIssue{Text: issueText, Severity: NormalizeSeverity(obj.Severity)}, true
}

func normalizeVerdict(s string) (types.Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "passed", "ok", "success":
		return types.VerdictPass, true
	case "fail", "failed", "failure", "reject", "rejected":
		return types.VerdictFail, true
	}
	return "", false
}

// NormalizeSeverity maps free-form severity labels onto the three levels.
// Unknown labels are treated as critical: an issue that blocked a gate is
// not downgraded by a spelling the parser has never seen.
func NormalizeSeverity(s string) types.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit", "blocker", "high", "error":
		return types.SeverityCritical
	case "warning", "warn", "medium", "moderate":
		return types.SeverityWarning
	case "info", "low", "note", "informational":
		return types.SeverityInfo
	}
	return types.SeverityCritical
}

// extractProseIssues pulls issue lines from unstructured output: bullet
// lines under a blocking-issues heading, plus bare error lines.
func extractProseIssues(output string) []types.BlockingIssue {
	var issues []types.BlockingIssue
	inIssueBlock := false

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if strings.Contains(lower, "blocking issue") {
			inIssueBlock = true
			continue
		}
		if inIssueBlock {
			if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
				text := strings.TrimSpace(strings.TrimLeft(trimmed, "-* "))
				if text != "" {
					issues = append(issues, types.BlockingIssue{Text: text, Severity: severityFromText(text)})
				}
				continue
			}
			inIssueBlock = false
		}
		if strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "fail:") {
			issues = append(issues, types.BlockingIssue{Text: trimmed, Severity: types.SeverityCritical})
		}
	}

	return dedupeIssues(issues)
}

func severityFromText(text string) types.Severity {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "warning") {
		return types.SeverityWarning
	}
	if strings.Contains(lower, "info") || strings.Contains(lower, "note:") {
		return types.SeverityInfo
	}
	return types.SeverityCritical
}

func dedupeIssues(issues []types.BlockingIssue) []types.BlockingIssue {
	seen := make(map[string]bool, len(issues))
	var out []types.BlockingIssue
	for _, issue := range issues {
		if seen[issue.Text] {
			continue
		}
		seen[issue.Text] = true
		out = append(out, issue)
	}
	return out
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "=") || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > 200 {
			return line[:200] + "..."
		}
		return line
	}
	return ""
}

// Parse is a convenience wrapper around a default parser
func Parse(output string, exitCode int) *Outcome {
	return NewParser().Parse(output, exitCode)
}

// Pass builds a passing outcome with a summary
func Pass(summary string) *Outcome {
	return &Outcome{Verdict: types.VerdictPass, Summary: summary, Timestamp: time.Now()}
}

// Fail builds a failing outcome from issue texts
func Fail(summary string, issueTexts ...string) *Outcome {
	issues := make([]types.BlockingIssue, 0, len(issueTexts))
	for _, text := range issueTexts {
		issues = append(issues, types.BlockingIssue{Text: text, Severity: types.SeverityCritical})
	}
	return &Outcome{
		Verdict:        types.VerdictFail,
		Summary:        summary,
		BlockingIssues: issues,
		Timestamp:      time.Now(),
	}
}

// Merge combines outcomes into a single verdict: pass only when every
// outcome passes, with all blocking issues preserved in order.
func Merge(outcomes []*Outcome) *Outcome {
	merged := &Outcome{Verdict: types.VerdictPass, Timestamp: time.Now()}
	if len(outcomes) == 0 {
		merged.Verdict = types.VerdictFail
		merged.BlockingIssues = []types.BlockingIssue{{
			Text:     "no verifier outcomes to merge",
			Severity: types.SeverityCritical,
		}}
		return merged
	}

	failCount := 0
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		if !o.Passed() {
			failCount++
		}
		merged.BlockingIssues = append(merged.BlockingIssues, o.BlockingIssues...)
	}

	if failCount > 0 {
		merged.Verdict = types.VerdictFail
		merged.Summary = fmt.Sprintf("%d of %d verifiers failed", failCount, len(outcomes))
	} else {
		merged.Summary = fmt.Sprintf("all %d verifiers passed", len(outcomes))
	}
	merged.BlockingIssues = dedupeIssues(merged.BlockingIssues)

	return merged
}

// Format renders an outcome for terminal display
func Format(o *Outcome) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s %s", o.Verdict.Icon(), strings.ToUpper(string(o.Verdict))))
	if o.Summary != "" {
		sb.WriteString(": " + o.Summary)
	}
	sb.WriteString("\n")

	for _, issue := range o.BlockingIssues {
		sb.WriteString(fmt.Sprintf("  [%s] %s\n", issue.Severity, issue.Text))
	}

	return sb.String()
}
