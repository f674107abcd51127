// Package assessment locates, sanitizes, and validates the structured
// record embedded in model output.
//
// The record travels inside otherwise free-form narrative text,
// bounded by a repeated single-character delimiter:
//
//	...narrative... §{"ruleCompliance":0.9,...}§ ...narrative...
//
// Absence of the record, or failure at any pipeline stage, means "no
// assessment this turn"; it is never an error that blocks narrative
// delivery.
package assessment

import (
	"encoding/json"
	"strings"

	"github.com/ykarelin/storyloom/internal/domain"
)

// Delimiter bounds the embedded record on both sides.
const Delimiter = '§'

// requiredFields must all be present for a record to be accepted.
var requiredFields = []string{
	"ruleCompliance",
	"contextConsistency",
	"convergenceProgress",
	"overallScore",
	"strategy",
}

// scoreFields are the [0,1]-bounded numeric fields.
var scoreFields = []string{
	"ruleCompliance",
	"contextConsistency",
	"convergenceProgress",
	"overallScore",
}

// knownKeys is every field name the sanitizer recognizes when
// removing accidental duplicate key spans.
var knownKeys = []string{
	"ruleCompliance",
	"contextConsistency",
	"convergenceProgress",
	"overallScore",
	"strategy",
	"notes",
	"hints",
	"diceRolls",
	"questUpdates",
	"worldStateUpdates",
	"arcUpdates",
	"convergenceUpdates",
	"memoryUpdates",
}

// Transform is one named sanitization step. The pipeline is a data
// table so individual steps are testable in isolation.
type Transform struct {
	Name  string
	Apply func(string) string
}

// Sanitizers run in order over the raw interior of the record.
var Sanitizers = []Transform{
	{Name: "strip_markdown_fences", Apply: stripMarkdownFences},
	{Name: "strip_block_comments", Apply: stripBlockComments},
	{Name: "strip_line_comments", Apply: stripLineComments},
	{Name: "dedupe_known_keys", Apply: dedupeKnownKeys},
	{Name: "trim_to_braces", Apply: trimToBraces},
}

// Extract locates the embedded record in full response text and
// returns the validated assessment. ok is false when no record is
// present or the record fails validation; rejection is all-or-nothing.
func Extract(text string) (*domain.Assessment, bool) {
	raw, _, _, found := span(text)
	if !found {
		return nil, false
	}

	clean := Sanitize(raw)
	record, err := decode(clean)
	if err != nil {
		return nil, false
	}
	return record, true
}

// Strip removes the embedded record, delimiters included, from
// narrative text before display. Text without a complete record is
// returned unchanged.
func Strip(text string) string {
	_, start, end, found := span(text)
	if !found {
		return text
	}
	return text[:start] + text[end:]
}

// Sanitize applies the transform table to the raw record interior.
func Sanitize(raw string) string {
	for _, t := range Sanitizers {
		raw = t.Apply(raw)
	}
	return raw
}

// span finds the interior substring between the first delimiter and
// the next one after it. start/end index the full span including both
// delimiters.
func span(text string) (raw string, start, end int, found bool) {
	open := strings.IndexRune(text, Delimiter)
	if open < 0 {
		return "", 0, 0, false
	}
	interiorStart := open + len(string(Delimiter))
	rel := strings.IndexRune(text[interiorStart:], Delimiter)
	if rel < 0 {
		return "", 0, 0, false
	}
	interiorEnd := interiorStart + rel
	return text[interiorStart:interiorEnd], open, interiorEnd + len(string(Delimiter)), true
}

// decode parses the sanitized record generically, checks the required
// fields, score ranges, and strategy literal, then decodes into the
// typed assessment.
func decode(clean string) (*domain.Assessment, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(clean), &generic); err != nil {
		return nil, err
	}
	for _, field := range requiredFields {
		if _, ok := generic[field]; !ok {
			return nil, errMissingField(field)
		}
	}

	var record domain.Assessment
	if err := json.Unmarshal([]byte(clean), &record); err != nil {
		return nil, err
	}

	for _, field := range scoreFields {
		var score float64
		if err := json.Unmarshal(generic[field], &score); err != nil {
			return nil, err
		}
		if score < 0 || score > 1 {
			return nil, errScoreOutOfRange(field)
		}
	}
	if !record.Strategy.Valid() {
		return nil, errBadStrategy(string(record.Strategy))
	}

	return &record, nil
}

type extractError string

func (e extractError) Error() string { return string(e) }

func errMissingField(field string) error    { return extractError("missing required field " + field) }
func errScoreOutOfRange(field string) error { return extractError("score out of range: " + field) }
func errBadStrategy(value string) error     { return extractError("unknown strategy " + value) }
