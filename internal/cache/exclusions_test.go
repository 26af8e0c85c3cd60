package cache

import (
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("deepseek-chat") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"deepseek-reasoner", "gemini-2.0-flash"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"deepseek-reasoner", true},
		{"gemini-2.0-flash", true},
		{"deepseek-chat", false},     // different model
		{"DEEPSEEK-REASONER", false}, // case-sensitive
		{"deepseek", false},          // prefix only
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionList_RegexMatch(t *testing.T) {
	el, err := NewExclusionList(nil, []string{`-reasoner$`, `opus`})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"deepseek-reasoner", true},
		{"claude-3-opus", true},
		{"claude-opus-4", true},
		{"deepseek-chat", false},
		{"claude-3-5-sonnet", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionList_InvalidPattern(t *testing.T) {
	_, err := NewExclusionList(nil, []string{`[invalid(`})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExclusionList_EmptyStringsSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "deepseek-chat", ""}, []string{"", `^claude`})
	if err != nil {
		t.Fatal(err)
	}
	if !el.Matches("deepseek-chat") {
		t.Error("should match deepseek-chat")
	}
	if !el.Matches("claude-3-opus") {
		t.Error("should match claude-3-opus via regex")
	}
	if el.Len() != 2 { // 1 exact + 1 regex
		t.Errorf("Len = %d, want 2", el.Len())
	}
}
