// Package constraints implements Phase 2.5 constraint extraction: scanning
// the query and §2 gathered context for budget/file-size/time patterns with
// a fixed unit table, deduping, and formatting the result as a §1 block
// (spec §4.13 step 4).
package constraints

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relayforge/orchestrator/internal/model"
)

var unitMultipliers = map[string]float64{
	"b": 1, "byte": 1, "bytes": 1,
	"kb": 1024, "kilobyte": 1024, "kilobytes": 1024,
	"mb": 1024 * 1024, "megabyte": 1024 * 1024, "megabytes": 1024 * 1024,
	"gb": 1024 * 1024 * 1024, "gigabyte": 1024 * 1024 * 1024, "gigabytes": 1024 * 1024 * 1024,
}

const unitAlt = `KB|MB|GB|bytes?|kilobytes?|megabytes?|gigabytes?`

var fileSizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:under|less\s+than)\s+(\d+(?:\.\d+)?)\s*(` + unitAlt + `)`),
	regexp.MustCompile(`(?i)(?:max(?:imum)?)\s+(\d+(?:\.\d+)?)\s*(` + unitAlt + `)`),
	regexp.MustCompile(`(?i)at\s+most\s+(\d+(?:\.\d+)?)\s*(` + unitAlt + `)`),
	regexp.MustCompile(`(?i)no\s+more\s+than\s+(\d+(?:\.\d+)?)\s*(` + unitAlt + `)`),
	regexp.MustCompile(`(?i)(?:file\s+)?size\s+limit(?:\s+of)?\s+(\d+(?:\.\d+)?)\s*(` + unitAlt + `)`),
	regexp.MustCompile(`(?i)must\s+be\s+under\s+(\d+(?:\.\d+)?)\s*(` + unitAlt + `)`),
}

var budgetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:under|less\s+than)\s+\$(\d+(?:,\d{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)budget(?:\s+of)?\s+\$(\d+(?:,\d{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)(?:max(?:imum)?)\s+(?:budget\s+)?\$(\d+(?:,\d{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)no\s+more\s+than\s+\$(\d+(?:,\d{3})*(?:\.\d{2})?)`),
	regexp.MustCompile(`(?i)within\s+\$(\d+(?:,\d{3})*(?:\.\d{2})?)`),
}

var timePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)within\s+(\d+(?:\.\d+)?)\s*(hour|hr|minute|min)s?`),
	regexp.MustCompile(`(?i)(?:under|less\s+than)\s+(\d+(?:\.\d+)?)\s*(hour|hr|minute|min)s?`),
	regexp.MustCompile(`(?i)(?:max(?:imum)?)\s+(\d+(?:\.\d+)?)\s*(hour|hr|minute|min)s?`),
	regexp.MustCompile(`(?i)no\s+more\s+than\s+(\d+(?:\.\d+)?)\s*(hour|hr|minute|min)s?`),
}

// Extractor scans text for constraint patterns. It carries no state; a
// zero-value Extractor is ready to use.
type Extractor struct{}

// Extract finds file_size/budget/time constraints in query, then in
// context (marking context-sourced matches so query wins on duplicates).
// IDs are "<type>_<n>", where n is the constraint's 1-based position in the
// combined result (one counter shared by all types).
func (Extractor) Extract(query, context string) []model.Constraint {
	out := extractFileSize(query, "extracted")
	out = append(out, extractBudget(query, "extracted")...)
	out = append(out, extractTime(query, "extracted")...)

	if context != "" {
		for _, c := range extractFileSize(context, "context") {
			if !isDuplicate(c, out) {
				out = append(out, c)
			}
		}
		for _, c := range extractBudget(context, "context") {
			if !isDuplicate(c, out) {
				out = append(out, c)
			}
		}
		for _, c := range extractTime(context, "context") {
			if !isDuplicate(c, out) {
				out = append(out, c)
			}
		}
	}

	for i := range out {
		out[i].ID = fmt.Sprintf("%s_%d", out[i].Type, i+1)
	}
	return out
}

func isDuplicate(candidate model.Constraint, existing []model.Constraint) bool {
	for _, c := range existing {
		if c.Type != candidate.Type {
			continue
		}
		if fieldsEqual(c.Fields, candidate.Fields) {
			return true
		}
	}
	return false
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func extractFileSize(text, source string) []model.Constraint {
	var out []model.Constraint
	seenBytes := map[float64]bool{}
	for _, p := range fileSizePatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			unit := strings.ToLower(m[2])
			bytesVal := value * unitMultipliers[normalizeUnit(unit)]
			if seenBytes[bytesVal] {
				continue
			}
			seenBytes[bytesVal] = true
			out = append(out, model.Constraint{
				Type: model.ConstraintTypeFileSize,
				Fields: map[string]any{
					"max_bytes":      bytesVal,
					"original_value": value,
					"original_unit":  strings.ToUpper(m[2]),
				},
				Source:       source,
				OriginalText: m[0],
				Status:       model.ConstraintStatusActive,
			})
		}
	}
	return out
}

func normalizeUnit(u string) string {
	switch {
	case strings.HasPrefix(u, "kilobyte") || u == "kb":
		return "kb"
	case strings.HasPrefix(u, "megabyte") || u == "mb":
		return "mb"
	case strings.HasPrefix(u, "gigabyte") || u == "gb":
		return "gb"
	default:
		return "b"
	}
}

func extractBudget(text, source string) []model.Constraint {
	var out []model.Constraint
	seen := map[float64]bool{}
	for _, p := range budgetPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil {
				continue
			}
			if seen[value] {
				continue
			}
			seen[value] = true
			out = append(out, model.Constraint{
				Type:         model.ConstraintTypeBudget,
				Fields:       map[string]any{"max_amount": value, "currency": "USD"},
				Source:       source,
				OriginalText: m[0],
				Status:       model.ConstraintStatusActive,
			})
		}
	}
	return out
}

func extractTime(text, source string) []model.Constraint {
	var out []model.Constraint
	seen := map[float64]bool{}
	for _, p := range timePatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			unit := strings.ToLower(m[2])
			minutes := value
			if strings.HasPrefix(unit, "hour") || unit == "hr" {
				minutes = value * 60
			}
			if seen[minutes] {
				continue
			}
			seen[minutes] = true
			out = append(out, model.Constraint{
				Type:         model.ConstraintTypeTime,
				Fields:       map[string]any{"max_minutes": minutes},
				Source:       source,
				OriginalText: m[0],
				Status:       model.ConstraintStatusActive,
			})
		}
	}
	return out
}

// FormatBlock renders constraints as the "### Constraints" markdown block
// appended to §1.
func FormatBlock(cs []model.Constraint) string {
	var b strings.Builder
	b.WriteString("### Constraints\n\n")
	if len(cs) == 0 {
		b.WriteString("_No explicit constraints extracted from query._")
		return b.String()
	}
	b.WriteString("| ID | Type | Limit | Source |\n")
	b.WriteString("|-----|------|-------|--------|\n")
	for _, c := range cs {
		limit := "?"
		switch c.Type {
		case model.ConstraintTypeFileSize:
			limit = fmt.Sprintf("%v %v (%v bytes)", c.Fields["original_value"], c.Fields["original_unit"], c.Fields["max_bytes"])
		case model.ConstraintTypeBudget:
			limit = fmt.Sprintf("$%v", c.Fields["max_amount"])
		case model.ConstraintTypeTime:
			limit = fmt.Sprintf("%v minutes", c.Fields["max_minutes"])
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", c.ID, c.Type, limit, c.Source)
	}
	return strings.TrimRight(b.String(), "\n")
}
