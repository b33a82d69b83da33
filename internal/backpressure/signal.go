package backpressure

import (
	"strings"
	"time"
)

// Signal classifies how a finished agent run behaved from the
// orchestrator's point of view.
type Signal string

const (
	SignalOK           Signal = "ok"            // Normal execution
	SignalRateLimited  Signal = "rate_limited"  // Provider is throttling
	SignalSlowResponse Signal = "slow_response" // Finished, but slower than the threshold
	SignalAPIError     Signal = "api_error"     // Transient provider error
)

// rateLimitMarkers are substrings agents emit when the provider is
// throttling. Matched case-insensitively against the full output.
var rateLimitMarkers = []string{
	"pre-flight check is taking longer than expected",
	"rate limit",
	"too many requests",
	"429",
}

// Classify turns a finished agent run into a Signal. Rate limiting wins
// over everything else; a run that finished but took longer than
// slowThreshold reports SignalSlowResponse so the controller can shed
// load before the provider does. A zero slowThreshold disables the
// slow check.
func Classify(output string, duration time.Duration, execErr error, slowThreshold time.Duration) Signal {
	lower := strings.ToLower(output)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return SignalRateLimited
		}
	}

	if slowThreshold > 0 && duration > slowThreshold {
		return SignalSlowResponse
	}

	if execErr != nil && strings.Contains(execErr.Error(), "context deadline exceeded") {
		return SignalAPIError
	}

	return SignalOK
}
