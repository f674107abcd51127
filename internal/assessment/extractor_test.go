package assessment

import (
	"strings"
	"testing"

	"github.com/ykarelin/storyloom/internal/domain"
)

const validRecord = `{"ruleCompliance":0.9,"contextConsistency":0.8,"convergenceProgress":0.4,"overallScore":0.7,"strategy":"ACCEPT"}`

func TestExtractValidRecord(t *testing.T) {
	t.Parallel()

	text := "The door creaks open. §" + validRecord + "§ You step inside."
	record, ok := Extract(text)
	if !ok {
		t.Fatal("expected record to extract")
	}
	if record.RuleCompliance != 0.9 {
		t.Errorf("RuleCompliance = %v, want 0.9", record.RuleCompliance)
	}
	if record.Strategy != domain.StrategyAccept {
		t.Errorf("Strategy = %q, want ACCEPT", record.Strategy)
	}
}

func TestExtractNoDelimiters(t *testing.T) {
	t.Parallel()

	if _, ok := Extract("Just narrative text, no record."); ok {
		t.Fatal("expected no record")
	}
}

func TestExtractUnmatchedDelimiter(t *testing.T) {
	t.Parallel()

	if _, ok := Extract("Narrative §" + validRecord + " trailing text"); ok {
		t.Fatal("expected no record when the closing delimiter is missing")
	}
}

func TestExtractUsesFirstSpanOnly(t *testing.T) {
	t.Parallel()

	text := "§" + validRecord + "§ middle §{\"garbage\":true}§"
	record, ok := Extract(text)
	if !ok {
		t.Fatal("expected first record to extract")
	}
	if record.OverallScore != 0.7 {
		t.Errorf("OverallScore = %v, want 0.7", record.OverallScore)
	}
}

func TestExtractRejectsScoreOutOfRange(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(validRecord, `"overallScore":0.7`, `"overallScore":1.5`, 1)
	if _, ok := Extract("§" + bad + "§"); ok {
		t.Fatal("expected out-of-range score to reject the record")
	}
}

func TestExtractRejectsMissingRequiredField(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(validRecord, `"strategy":"ACCEPT"`, `"notes":"n"`, 1)
	if _, ok := Extract("§" + bad + "§"); ok {
		t.Fatal("expected missing strategy to reject the record")
	}
}

func TestExtractRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	bad := strings.Replace(validRecord, "ACCEPT", "MAYBE", 1)
	if _, ok := Extract("§" + bad + "§"); ok {
		t.Fatal("expected unknown strategy to reject the record")
	}
}

func TestExtractRejectionIsAllOrNothing(t *testing.T) {
	t.Parallel()

	// One bad score rejects the whole record even though the other
	// fields are fine.
	bad := strings.Replace(validRecord, `"ruleCompliance":0.9`, `"ruleCompliance":-0.1`, 1)
	record, ok := Extract("§" + bad + "§")
	if ok || record != nil {
		t.Fatal("expected full rejection, not a partial record")
	}
}

func TestExtractThroughMarkdownFences(t *testing.T) {
	t.Parallel()

	text := "§```json\n" + validRecord + "\n```§"
	if _, ok := Extract(text); !ok {
		t.Fatal("expected record wrapped in markdown fences to extract")
	}
}

func TestExtractThroughComments(t *testing.T) {
	t.Parallel()

	interior := "// assessment follows\n" + strings.Replace(validRecord, `"strategy"`, `/* inline */ "strategy"`, 1)
	if _, ok := Extract("§" + interior + "§"); !ok {
		t.Fatal("expected record with comments to extract")
	}
}

func TestExtractDeduplicatesRepeatedKeys(t *testing.T) {
	t.Parallel()

	dup := strings.TrimSuffix(validRecord, "}") + `,"overallScore":0.2}`
	record, ok := Extract("§" + dup + "§")
	if !ok {
		t.Fatal("expected deduplicated record to extract")
	}
	// First occurrence wins.
	if record.OverallScore != 0.7 {
		t.Errorf("OverallScore = %v, want 0.7", record.OverallScore)
	}
}

func TestExtractKeepsNestedKeysSharingKnownNames(t *testing.T) {
	t.Parallel()

	// "hints" appears both at the top level and inside
	// convergenceUpdates. Only a repeat at the top level is a
	// duplicate; the nested span must survive.
	interior := strings.TrimSuffix(validRecord, "}") +
		`,"hints":["top"],"convergenceUpdates":{"addProgress":0.1,"hints":["follow the river"]}}`
	record, ok := Extract("§" + interior + "§")
	if !ok {
		t.Fatal("expected record to extract")
	}
	if len(record.Hints) != 1 || record.Hints[0] != "top" {
		t.Errorf("Hints = %v, want [top]", record.Hints)
	}
	if record.ConvergenceUpdates == nil {
		t.Fatal("expected convergenceUpdates to survive")
	}
	if len(record.ConvergenceUpdates.Hints) != 1 || record.ConvergenceUpdates.Hints[0] != "follow the river" {
		t.Errorf("ConvergenceUpdates.Hints = %v, want [follow the river]", record.ConvergenceUpdates.Hints)
	}
}

func TestStripRemovesRecord(t *testing.T) {
	t.Parallel()

	text := "Before. §" + validRecord + "§ After."
	got := Strip(text)
	want := "Before.  After."
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStripLeavesTextWithoutRecord(t *testing.T) {
	t.Parallel()

	text := "No record here, only a lone § sign."
	if got := Strip(text); got != text {
		t.Errorf("Strip changed text without a complete record: %q", got)
	}
}

func TestSanitizeTrimsToBraces(t *testing.T) {
	t.Parallel()

	got := Sanitize("noise before {\"a\":1} noise after")
	if got != `{"a":1}` {
		t.Errorf("Sanitize = %q, want %q", got, `{"a":1}`)
	}
}

func TestSanitizerTableOrder(t *testing.T) {
	t.Parallel()

	want := []string{
		"strip_markdown_fences",
		"strip_block_comments",
		"strip_line_comments",
		"dedupe_known_keys",
		"trim_to_braces",
	}
	if len(Sanitizers) != len(want) {
		t.Fatalf("got %d sanitizers, want %d", len(Sanitizers), len(want))
	}
	for i, name := range want {
		if Sanitizers[i].Name != name {
			t.Errorf("sanitizer %d = %q, want %q", i, Sanitizers[i].Name, name)
		}
	}
}
