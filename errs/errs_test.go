package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesEntityAndSeq(t *testing.T) {
	err := New(
		"reconcile",
		CodeInvalidTransition,
		WithEntity("ord-42"),
		WithSeq(17),
		WithMessage("fill after terminal state"),
		WithRawMessage(`{"status":"Filled"}`),
		WithCause(errors.New("order archived")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=reconcile") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_transition") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "entity=\"ord-42\"") {
		t.Fatalf("expected entity in error string: %s", out)
	}
	if !strings.Contains(out, "seq=17") {
		t.Fatalf("expected seq in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"order archived\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("apply event: %w", New("ledger", CodePrecisionOverflow, WithMessage("scale exceeded")))
	if !errors.Is(err, New("", CodePrecisionOverflow)) {
		t.Fatalf("expected errors.Is to match by code, got false for %s", err)
	}
	if errors.Is(err, New("", CodeMalformedMessage)) {
		t.Fatalf("expected errors.Is mismatch for a different code")
	}
}

func TestCodeOfUnwrapsNestedEnvelope(t *testing.T) {
	inner := New("persistence", CodePersistenceFailure, WithEntity("pos-SPX"))
	wrapped := fmt.Errorf("commit: %w", inner)
	if got := CodeOf(wrapped); got != CodePersistenceFailure {
		t.Fatalf("expected persistence_failure, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestNilErrorRendering(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil> rendering, got %q", e.Error())
	}
}
