package commands

import (
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/archon/internal/store"
)

func mkCodebases(names ...string) []store.Codebase {
	out := make([]store.Codebase, len(names))
	for i, n := range names {
		out[i] = store.Codebase{ID: store.NewID(), Name: n}
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{"bare command", "/help", "help", []string{}, true},
		{"command with args", "/repo myproject pull", "repo", []string{"myproject", "pull"}, true},
		{"uppercase name lowered", "/STATUS", "status", []string{}, true},
		{"leading whitespace", "  /getcwd", "getcwd", []string{}, true},
		{"not a command", "hello there", "", nil, false},
		{"empty", "", "", nil, false},
		{"bare slash", "/", "", nil, false},
		{
			"double-quoted argument",
			`/template-add fix-bug "Fix the bug in $1 carefully"`,
			"template-add",
			[]string{"fix-bug", "Fix the bug in $1 carefully"},
			true,
		},
		{
			"single quotes",
			`/template-add greet 'hello world'`,
			"template-add",
			[]string{"greet", "hello world"},
			true,
		},
		{
			"empty quoted pair is an empty argument",
			`/command-set name ""`,
			"command-set",
			[]string{"name", ""},
			true,
		},
		{
			"quotes adjacent to text join into one token",
			`/setcwd /tmp/"my dir"/sub`,
			"setcwd",
			[]string{"/tmp/my dir/sub"},
			true,
		},
		{
			"dollar placeholders survive verbatim",
			`/template-add plan "Use $ARGUMENTS and $2"`,
			"template-add",
			[]string{"plan", "Use $ARGUMENTS and $2"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, gotOK := Parse(tt.input)
			if gotOK != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.input, gotOK, tt.wantOK)
			}
			if !gotOK {
				return
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Errorf("args = %q, want %q", args, tt.wantArgs)
			}
		})
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{`a b c`, []string{"a", "b", "c"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
		{`"one token"`, []string{"one token"}},
		{`""`, []string{""}},
		{`mixed "two words" tail`, []string{"mixed", "two words", "tail"}},
		{`'unterminated quote runs to end`, []string{"unterminated quote runs to end"}},
		{``, nil},
	}
	for _, tt := range tests {
		got := SplitArgs(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("SplitArgs(%q) = %q, want %q", tt.input, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitArgs(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func TestResolveCodebaseOrdering(t *testing.T) {
	list := mkCodebases("acme/api", "acme/api-gateway", "beta/api", "acme/widgets")

	tests := []struct {
		query string
		want  string
	}{
		{"acme/api", "acme/api"},           // exact full name
		{"api", "acme/api"},                // exact repo part, alphabetical first
		{"acme/api-g", "acme/api-gateway"}, // full-name prefix
		{"wid", "acme/widgets"},            // repo-part prefix
	}
	for _, tt := range tests {
		got := resolveCodebase(list, tt.query)
		if got == nil {
			t.Fatalf("resolveCodebase(%q) = nil, want %q", tt.query, tt.want)
		}
		if got.Name != tt.want {
			t.Errorf("resolveCodebase(%q) = %q, want %q", tt.query, got.Name, tt.want)
		}
	}

	if got := resolveCodebase(list, "nothing"); got != nil {
		t.Errorf("resolveCodebase(nothing) = %q, want nil", got.Name)
	}
}
