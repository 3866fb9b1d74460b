package stagerunner

import "testing"

func TestExtractJSON_FencedJSONBlock(t *testing.T) {
	text := "Here is my plan:\n```json\n{\"content\":\"do it\",\"taskBreakdown\":[]}\n```\nThanks."
	got := extractJSON(text)
	if got != `{"content":"do it","taskBreakdown":[]}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSON_GenericFencedBlock(t *testing.T) {
	text := "```\n{\"verdict\":\"pass\"}\n```"
	got := extractJSON(text)
	if got != `{"verdict":"pass"}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSON_BareObjectAmongProse(t *testing.T) {
	text := "I reviewed the change and my verdict is {\"verdict\":\"reject\",\"summary\":\"missing tests\"} - see above."
	got := extractJSON(text)
	if got != `{"verdict":"reject","summary":"missing tests"}` {
		t.Fatalf("unexpected extraction: %q", got)
	}
}

func TestExtractJSON_NoJSONReturnsEmpty(t *testing.T) {
	if got := extractJSON("just some prose with no structure"); got != "" {
		t.Fatalf("expected empty extraction, got %q", got)
	}
}

func TestExtractJSON_HandlesNestedBracesAndStrings(t *testing.T) {
	text := `{"a": "contains } and { chars", "b": [1,2,3]}`
	got := extractJSON(text)
	if got != text {
		t.Fatalf("expected full balanced object, got %q", got)
	}
}

func TestExtractBalanced_ArrayTopLevel(t *testing.T) {
	text := `prefix [1, 2, {"x": "]"}] suffix`
	got := extractJSON(text)
	if got != `[1, 2, {"x": "]"}]` {
		t.Fatalf("unexpected array extraction: %q", got)
	}
}
