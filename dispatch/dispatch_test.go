package dispatch

import (
	"reflect"
	"testing"
	"time"

	"github.com/combo-lab/combo-pubsub/errs"
	"github.com/combo-lab/combo-pubsub/registry"
)

func drain(t *testing.T, h *registry.ChannelHandle, timeout time.Duration) []any {
	t.Helper()
	var out []any
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.C():
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
}

func TestDefaultDispatcherNoFilterWhenSenderNil(t *testing.T) {
	a := registry.NewChannelHandle(4)
	b := registry.NewChannelHandle(4)
	entries := []registry.Entry{{Handle: a}, {Handle: b}}

	Default.Dispatch(entries, nil, "x")

	if got := drain(t, a, 30*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected a to receive, got %v", got)
	}
	if got := drain(t, b, 30*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected b to receive, got %v", got)
	}
}

func TestDefaultDispatcherSkipsSender(t *testing.T) {
	a := registry.NewChannelHandle(4)
	b := registry.NewChannelHandle(4)
	entries := []registry.Entry{{Handle: a}, {Handle: b}}

	Default.Dispatch(entries, a, "x")

	if got := drain(t, a, 30*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected sender to be skipped, got %v", got)
	}
	if got := drain(t, b, 30*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected non-sender to receive, got %v", got)
	}
}

func TestRegisterLookupFallsBackToDefault(t *testing.T) {
	if reflect.ValueOf(Lookup("unknown-id")).Pointer() != reflect.ValueOf(Default).Pointer() {
		t.Fatal("expected unknown dispatcher id to resolve to Default")
	}

	custom := Func(func(entries []registry.Entry, sender registry.Handle, message any) {})
	Register("custom", custom)
	if got := Lookup("custom"); got == nil {
		t.Fatal("expected registered dispatcher to resolve")
	}
}

func TestFanoutDispatchesToAllEntries(t *testing.T) {
	f := NewFanout(FanoutConfig{MaxWorkers: 2})

	const n = 50
	handles := make([]*registry.ChannelHandle, n)
	entries := make([]registry.Entry, n)
	for i := range handles {
		handles[i] = registry.NewChannelHandle(1)
		entries[i] = registry.Entry{Handle: handles[i]}
	}

	f.Dispatch(entries, nil, "hi")

	for i, h := range handles {
		got := drain(t, h, 100*time.Millisecond)
		if len(got) != 1 {
			t.Fatalf("handle %d: expected one delivery, got %v", i, got)
		}
	}
}

func TestFanoutSmallBatchDispatchesInline(t *testing.T) {
	f := NewFanout(FanoutConfig{})
	a := registry.NewChannelHandle(1)
	f.Dispatch([]registry.Entry{{Handle: a}}, nil, "x")
	if got := drain(t, a, 30*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected inline delivery, got %v", got)
	}
}

func TestScriptDispatcherFiltersBySenderAndValue(t *testing.T) {
	d, err := NewScriptDispatcher(`
		function dispatch(value, isSender, message) {
			if (isSender) { return false; }
			if (value && value.mute) { return false; }
			return message;
		}
	`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	sender := registry.NewChannelHandle(1)
	muted := registry.NewChannelHandle(1)
	listener := registry.NewChannelHandle(1)

	entries := []registry.Entry{
		{Handle: sender},
		{Handle: muted, Value: map[string]any{"mute": true}},
		{Handle: listener},
	}

	d.Dispatch(entries, sender, "hello")

	if got := drain(t, sender, 30*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected sender to be skipped, got %v", got)
	}
	if got := drain(t, muted, 30*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected muted subscriber to be skipped, got %v", got)
	}
	if got := drain(t, listener, 30*time.Millisecond); len(got) != 1 {
		t.Fatalf("expected listener to receive, got %v", got)
	}
}

func TestScriptDispatcherCompileErrorIsConfigInvalid(t *testing.T) {
	_, err := NewScriptDispatcher("function dispatch( {")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !errs.Is(err, errs.CodeConfigInvalid) {
		t.Fatalf("expected compile error to carry CodeConfigInvalid, got %v", err)
	}
}
