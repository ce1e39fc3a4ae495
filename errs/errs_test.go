package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOpCodeAndCause(t *testing.T) {
	err := New(
		"tracker/track",
		CodeAlreadyTracked,
		WithMessage("key already tracked on this node"),
		WithCause(errors.New("duplicate key")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=tracker/track") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=already_tracked") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	if !strings.Contains(out, `message="key already tracked on this node"`) {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, `cause="duplicate key"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("adapter/broadcast", CodeTransportUnreachable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := New("registry/subscribe", CodeDeadHandle)
	if !Is(err, CodeDeadHandle) {
		t.Fatalf("expected Is to match CodeDeadHandle")
	}
	if Is(err, CodeNotTracked) {
		t.Fatalf("expected Is to reject mismatched code")
	}
	if Is(errors.New("plain"), CodeDeadHandle) {
		t.Fatalf("expected Is to reject non-*E errors")
	}
}
