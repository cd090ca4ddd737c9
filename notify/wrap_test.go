package notify

import (
	"strings"
	"testing"
)

func TestWrapEmptyInput(t *testing.T) {
	if got := Wrap(nil, ", ", 100); len(got) != 0 {
		t.Fatalf("Wrap(nil) = %v, want empty", got)
	}
	if got := Wrap([]string{}, ", ", 100); len(got) != 0 {
		t.Fatalf("Wrap([]) = %v, want empty", got)
	}
}

func TestWrapPackingExample(t *testing.T) {
	got := Wrap([]string{"@a", "@bb", "@ccc"}, ", ", 10)
	want := []string{"@a, @bb, ", "@ccc, "}
	if len(got) != len(want) {
		t.Fatalf("Wrap() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Wrap()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	for _, line := range got {
		if len(line) > 10 {
			t.Errorf("line %q exceeds budget 10", line)
		}
	}
}

func TestWrapSingleLineUnderBudget(t *testing.T) {
	got := Wrap([]string{"@a", "@b"}, ", ", 100)
	if len(got) != 1 || got[0] != "@a, @b, " {
		t.Fatalf("Wrap() = %v, want [\"@a, @b, \"]", got)
	}
}

func TestWrapOversizedTokenAlone(t *testing.T) {
	long := strings.Repeat("x", 50)
	got := Wrap([]string{"@a", long, "@b"}, ", ", 10)
	if len(got) != 3 {
		t.Fatalf("Wrap() = %v, want 3 lines", got)
	}
	if got[1] != long+", " {
		t.Fatalf("oversized token line = %q, want %q", got[1], long+", ")
	}
}

func TestWrapBudgetInvariant(t *testing.T) {
	tokens := []string{"@alice", "@bob", "@charlie", "@dave", "@eve", "@frank", "@grace"}
	sep := ", "
	for budget := 12; budget <= 64; budget += 4 {
		lines := Wrap(tokens, sep, budget)

		// No line exceeds budget (each token here is shorter than budget).
		for _, line := range lines {
			if len(line) >= budget+len(sep) {
				t.Errorf("budget %d: line %q too long", budget, line)
			}
		}

		// Concatenation reproduces the token sequence in order.
		joined := strings.Join(lines, "")
		var rebuilt []string
		for _, part := range strings.Split(joined, sep) {
			if part != "" {
				rebuilt = append(rebuilt, part)
			}
		}
		if len(rebuilt) != len(tokens) {
			t.Fatalf("budget %d: rebuilt %v from %v", budget, rebuilt, lines)
		}
		for i := range tokens {
			if rebuilt[i] != tokens[i] {
				t.Fatalf("budget %d: token %d = %q, want %q", budget, i, rebuilt[i], tokens[i])
			}
		}
	}
}
