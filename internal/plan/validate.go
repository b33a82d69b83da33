package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a quality problem with suggestions
type ValidationError struct {
	Field       string   `json:"field"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

var fileRefRegex = regexp.MustCompile(`[\w/]+\.\w+|internal/\w+|cmd/\w+|pkg/\w+|src/\w+|\w+ package|\w+ component`)

// Validate checks whether a task meets quality standards before decomposition.
// Vague tasks decompose into vague units, so this runs at intake.
func Validate(title, description string) []ValidationError {
	var errors []ValidationError

	if len(title) < 10 {
		errors = append(errors, ValidationError{
			Field:   "title",
			Message: "Title is too short (min 10 chars)",
			Suggestions: []string{
				"Add specific component/feature name",
				"Include the action verb (create, fix, update)",
				"Example: 'Fix session refresh in internal/auth'",
			},
		})
	}

	actionVerbs := []string{"create", "add", "fix", "update", "implement", "refactor", "test", "remove", "optimize"}
	hasActionVerb := false
	lowerAll := strings.ToLower(title + " " + description)
	for _, verb := range actionVerbs {
		if strings.Contains(lowerAll, verb) {
			hasActionVerb = true
			break
		}
	}
	if !hasActionVerb {
		errors = append(errors, ValidationError{
			Field:   "description",
			Message: "Missing clear action verb",
			Suggestions: []string{
				"Start with: Create, Add, Fix, Update, Implement, Refactor, Test",
			},
		})
	}

	if len(description) < 30 {
		errors = append(errors, ValidationError{
			Field:   "description",
			Message: "Description is too vague (min 30 chars)",
			Suggestions: []string{
				"Specify which files/packages to modify",
				"Include technical details (file paths, function names)",
				"Declare per-unit Files:, Depends:, Estimate: lines",
			},
		})
	}

	if !fileRefRegex.MatchString(description) {
		errors = append(errors, ValidationError{
			Field:   "description",
			Message: "Missing specific file or package references",
			Suggestions: []string{
				"Add file paths like 'internal/auth/login.go'",
				"Reference packages like 'the config package'",
				"Declared paths also feed conflict detection",
			},
		})
	}

	vaguePhrases := []string{
		"various improvements",
		"make it better",
		"optimize it",
		"fix issues",
		"update things",
		"improve performance",
		"add features",
		"handle errors",
	}
	lowerDesc := strings.ToLower(description)
	for _, phrase := range vaguePhrases {
		if strings.Contains(lowerDesc, phrase) {
			errors = append(errors, ValidationError{
				Field:   "description",
				Message: fmt.Sprintf("Vague phrase detected: '%s'", phrase),
				Suggestions: []string{
					"Be specific: which packages? what improvements?",
					"Add metrics: 'cut allocation count by 30%'",
					"List specific files or functions to modify",
				},
			})
			break
		}
	}

	return errors
}
