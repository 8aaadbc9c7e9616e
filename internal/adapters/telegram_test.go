package adapters

import (
	"strings"
	"testing"
)

func TestSplitMessageShortTextIsOnePart(t *testing.T) {
	parts := splitMessage("hello", 4096)
	if len(parts) != 1 || parts[0] != "hello" {
		t.Fatalf("splitMessage = %q, want [hello]", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := splitMessage("", 4096); parts != nil {
		t.Fatalf("splitMessage(\"\") = %q, want nil", parts)
	}
}

func TestSplitMessageRespectsLimit(t *testing.T) {
	text := strings.Repeat("x", 10_000)
	parts := splitMessage(text, 4096)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	total := 0
	for i, p := range parts {
		if n := len([]rune(p)); n > 4096 {
			t.Errorf("part %d has %d runes, limit 4096", i, n)
		}
		total += len(p)
	}
	if total != len(text) {
		t.Errorf("reassembled length = %d, want %d", total, len(text))
	}
}

func TestSplitMessagePrefersLineBreaks(t *testing.T) {
	text := strings.Repeat("line one\n", 3) + strings.Repeat("y", 30)
	parts := splitMessage(text, 20)
	for i, p := range parts[:len(parts)-1] {
		if strings.Contains(p, "line") && strings.HasSuffix(p, "lin") {
			t.Errorf("part %d split mid-line: %q", i, p)
		}
	}
	if got := strings.Join(parts, ""); !strings.Contains(got, "line one") {
		t.Errorf("content lost in split: %q", parts)
	}
}

func TestSplitMessageMultibyteSafe(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 1000)
	for _, p := range splitMessage(text, 4096) {
		if n := len([]rune(p)); n > 4096 {
			t.Errorf("part has %d runes, limit 4096", n)
		}
		if strings.ContainsRune(p, '�') {
			t.Error("part contains a replacement character, rune was split")
		}
	}
}
