// Package requirements checks a letter against the constraints a recipient declares.
package requirements

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/delivery"
)

// Result lists every violated rule; Valid is true only when Errors is empty
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Error returns the violations as one message
func (r Result) Error() string {
	return strings.Join(r.Errors, "; ")
}

// Validate evaluates every is_required rule and collects all violations.
// Optional rules are ignored, as are unknown rule types.
func Validate(p *delivery.Payload, reqs []db.Requirement) Result {
	var errs []string

	words := -1
	wordCount := func() int {
		if words < 0 {
			words = CountWords(p.Document.Content)
		}
		return words
	}

	for _, req := range reqs {
		if !req.IsRequired {
			continue
		}

		switch req.Type {
		case db.RequirementMinWordCount:
			min, err := strconv.Atoi(strings.TrimSpace(req.Value))
			if err != nil {
				errs = append(errs, fmt.Sprintf("recipient declares an invalid minimum word count %q", req.Value))
				continue
			}
			if n := wordCount(); n < min {
				errs = append(errs, fmt.Sprintf("letter has %d words; minimum required is %d", n, min))
			}

		case db.RequirementMaxWordCount:
			max, err := strconv.Atoi(strings.TrimSpace(req.Value))
			if err != nil {
				errs = append(errs, fmt.Sprintf("recipient declares an invalid maximum word count %q", req.Value))
				continue
			}
			if n := wordCount(); n > max {
				errs = append(errs, fmt.Sprintf("letter has %d words; maximum allowed is %d", n, max))
			}

		case db.RequirementProgramType:
			if !programAccepted(p.Document.ProgramType, req.Value) {
				errs = append(errs, fmt.Sprintf("program type %q is not accepted; supported: %s",
					p.Document.ProgramType, req.Value))
			}

		case db.RequirementRequiredField:
			if !hasField(p.Document, req.Value) {
				msg := fmt.Sprintf("required field %q is missing", req.Value)
				if req.Description != "" {
					msg += " (" + req.Description + ")"
				}
				errs = append(errs, msg)
			}
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// CountWords counts whitespace-separated words of the letter with markup removed
func CountWords(content string) int {
	return len(strings.Fields(delivery.PlainText(content)))
}

// programAccepted matches against a comma-separated list, case-insensitively
func programAccepted(program, accepted string) bool {
	program = strings.TrimSpace(program)
	if program == "" {
		return false
	}
	for _, p := range strings.Split(accepted, ",") {
		if strings.EqualFold(strings.TrimSpace(p), program) {
			return true
		}
	}
	return false
}

func hasField(doc *db.Document, name string) bool {
	name = strings.TrimSpace(name)
	switch name {
	case "applicant_name":
		return strings.TrimSpace(doc.ApplicantName) != ""
	case "applicant_email":
		return strings.TrimSpace(doc.ApplicantEmail) != ""
	case "program_type":
		return strings.TrimSpace(doc.ProgramType) != ""
	case "content":
		return strings.TrimSpace(doc.Content) != ""
	}
	return strings.TrimSpace(doc.Fields[name]) != ""
}
