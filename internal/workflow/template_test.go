package workflow

import "testing"

func TestSubstitute(t *testing.T) {
	meta := map[string]any{
		"plan":                   "1. do the thing",
		"implementation_summary": "changed three files",
	}
	tests := []struct {
		name    string
		content string
		args    []string
		want    string
	}{
		{"positional", "fix $1 in $2", []string{"bug", "auth.go"}, "fix bug in auth.go"},
		{"out of range is empty", "fix $3", []string{"bug"}, "fix "},
		{"arguments joined", "run: $ARGUMENTS", []string{"a", "b c"}, "run: a b c"},
		{"plan from session", "Plan:\n$PLAN", nil, "Plan:\n1. do the thing"},
		{"summary from session", "$IMPLEMENTATION_SUMMARY", nil, "changed three files"},
		{"no placeholders untouched", "plain text $$", nil, "plain text $$"},
		{"repeated placeholder", "$1 and $1", []string{"x"}, "x and x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Substitute(tt.content, tt.args, meta)
			if got != tt.want {
				t.Errorf("Substitute(%q, %v) = %q, want %q", tt.content, tt.args, got, tt.want)
			}
		})
	}
}

func TestSubstituteNilSessionMeta(t *testing.T) {
	got := Substitute("plan: $PLAN end", nil, nil)
	if got != "plan:  end" {
		t.Errorf("Substitute with nil meta = %q, want empty expansion", got)
	}
}

func TestParseFrontmatterDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			"with description",
			"---\ndescription: \"Fix a bug\"\n---\nbody",
			"Fix a bug",
		},
		{
			"single-quoted",
			"---\ndescription: 'Review code'\n---\nbody",
			"Review code",
		},
		{"no frontmatter", "just a prompt body", ""},
		{"frontmatter without description", "---\nmodel: opus\n---\nbody", ""},
		{"unterminated frontmatter", "---\ndescription: x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseFrontmatterDescription(tt.content); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
