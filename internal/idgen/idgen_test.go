package idgen

import (
	"regexp"
	"strings"
	"testing"
)

var decisionPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(DecisionPrefix) + `[a-zA-Z0-9]+$`)

func TestDecisionID_Shape(t *testing.T) {
	id, err := DecisionID()
	if err != nil {
		t.Fatalf("DecisionID() error: %v", err)
	}
	if want := len(DecisionPrefix) + Length; len(id) != want {
		t.Errorf("DecisionID() length = %d, want %d (id=%q)", len(id), want, id)
	}
	if !decisionPattern.MatchString(id) {
		t.Errorf("DecisionID() = %q, does not match %s", id, decisionPattern)
	}
}

func TestDecisionID_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := DecisionID()
		if err != nil {
			t.Fatalf("DecisionID() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestWithPrefix(t *testing.T) {
	id, err := WithPrefix("test-")
	if err != nil {
		t.Fatalf("WithPrefix error: %v", err)
	}
	if !strings.HasPrefix(id, "test-") {
		t.Errorf("WithPrefix = %q, want prefix test-", id)
	}
}

func TestSequence(t *testing.T) {
	next := Sequence("d")
	for _, want := range []string{"d1", "d2", "d3"} {
		got, err := next()
		if err != nil {
			t.Fatalf("Sequence error: %v", err)
		}
		if got != want {
			t.Errorf("Sequence() = %q, want %q", got, want)
		}
	}
}
