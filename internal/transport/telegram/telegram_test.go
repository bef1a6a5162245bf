package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard cut", strings.Repeat("a", 25), 10, 3},
		{"newline cut", strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8), 10, 2},
		{"runes", strings.Repeat("é", 15), 10, 2},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SplitText(tc.in, tc.limit)
			if len(got) != tc.want {
				t.Fatalf("chunks=%d want %d: %q", len(got), tc.want, got)
			}
			for _, c := range got {
				if utf8.RuneCountInString(c) > tc.limit {
					t.Fatalf("chunk too long: %q", c)
				}
			}
		})
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	t.Parallel()
	got := SplitText("aaaaaaa\nbbbbbbbbb", 10)
	if len(got) != 2 || got[0] != "aaaaaaa" || got[1] != "bbbbbbbbb" {
		t.Fatalf("got %q", got)
	}
}
