package types

import "fmt"

// Gate names one stage of the fixed-order verification pipeline
type Gate string

const (
	GateBuildTest     Gate = "build-test"
	GateReview        Gate = "review"
	GateSecurity      Gate = "security"
	GateAuthorization Gate = "authorization"
	GateIntegrate     Gate = "integrate"
)

// gateOrder is the fixed total order every unit traverses
var gateOrder = []Gate{GateBuildTest, GateReview, GateSecurity, GateAuthorization, GateIntegrate}

// GateOrder returns the fixed gate sequence
func GateOrder() []Gate {
	out := make([]Gate, len(gateOrder))
	copy(out, gateOrder)
	return out
}

// Index returns the gate's position in the fixed order, or -1 if unknown
func (g Gate) Index() int {
	for i, gate := range gateOrder {
		if gate == g {
			return i
		}
	}
	return -1
}

// Valid reports whether the gate is a known value
func (g Gate) Valid() bool {
	return g.Index() >= 0
}

// Next returns the gate following g, or false at the end of the pipeline
func (g Gate) Next() (Gate, bool) {
	i := g.Index()
	if i < 0 || i+1 >= len(gateOrder) {
		return "", false
	}
	return gateOrder[i+1], true
}

// ParseGate converts a string to a Gate
func ParseGate(s string) (Gate, error) {
	g := Gate(s)
	if !g.Valid() {
		return "", fmt.Errorf("unknown gate %q", s)
	}
	return g, nil
}

// Verdict is a normalized gate-tool result
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Icon returns a display marker for the verdict
func (v Verdict) Icon() string {
	if v == VerdictPass {
		return "✅"
	}
	return "❌"
}

// Severity classifies a blocking issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// BlockingIssue is one reason a gate failed, in the order the tool reported it
type BlockingIssue struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
}

// GateResult records one gate attempt for a unit
type GateResult struct {
	ID             int64           `json:"id,omitempty" db:"id"`
	UnitID         string          `json:"unit_id" db:"unit_id"`
	Gate           Gate            `json:"gate" db:"gate"`
	Verdict        Verdict         `json:"verdict" db:"verdict"`
	BlockingIssues []BlockingIssue `json:"blocking_issues,omitempty" db:"-"`
	Attempt        int             `json:"attempt" db:"attempt"`
	Timestamp      int64           `json:"timestamp" db:"timestamp"`
}

// Approval is an explicit go/no-go signal from the authorization boundary
type Approval struct {
	UnitID    string `json:"unit_id" db:"unit_id"`
	Approved  bool   `json:"approved" db:"approved"`
	Actor     string `json:"actor" db:"actor"`
	Reason    string `json:"reason,omitempty" db:"reason"`
	CreatedAt int64  `json:"created_at" db:"created_at"`
}
