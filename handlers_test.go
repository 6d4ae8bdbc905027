package kiwibnc

import (
	"context"
	"testing"

	"gopkg.in/irc.v3"
)

type stubModule struct{ verb string }

func (m stubModule) Name() string { return "stub-" + m.verb }

func (m stubModule) Load(hr *HandlerRegistry) {
	hr.OnVerb(m.verb, func(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
		return false, nil
	})
	hr.OnAvailableCaps(func() []string { return []string{m.verb + "-cap"} })
}

// TestHandlerRegistryReload exercises the RELOAD verb's contract: the
// dispatch table and available-caps list are rebuilt from the registered
// modules, so a handler attached outside any module (the way a one-off
// OnVerb call from older code might) does not survive a reload, while
// every module-registered verb does.
func TestHandlerRegistryReload(t *testing.T) {
	hr := NewHandlerRegistry()
	hr.RegisterModule(stubModule{verb: "FOO"})

	if _, ok := hr.Verb("FOO"); !ok {
		t.Fatalf("expected FOO to be registered")
	}

	// Simulate a handler attached directly, outside of any CommandModule.
	hr.OnVerb("ADHOC", func(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
		return false, nil
	})
	if _, ok := hr.Verb("ADHOC"); !ok {
		t.Fatalf("expected ADHOC to be registered before reload")
	}

	hr.Reload()

	if _, ok := hr.Verb("FOO"); !ok {
		t.Fatalf("expected FOO to survive reload, since it came from a registered module")
	}
	if _, ok := hr.Verb("ADHOC"); ok {
		t.Fatalf("expected ADHOC to be discarded on reload, since it was never attached via a module")
	}

	var sawFooCap bool
	for _, c := range hr.AvailableCaps() {
		if c == "FOO-cap" {
			sawFooCap = true
		}
	}
	if !sawFooCap {
		t.Fatalf("expected FOO-cap to be rebuilt by reload, got %v", hr.AvailableCaps())
	}
}

// TestHandlerRegistryLaterModuleWins exercises OnVerb's replace-on-conflict
// rule: registering two modules that claim the same verb leaves the later
// one in effect, deterministically, across a reload.
func TestHandlerRegistryLaterModuleWins(t *testing.T) {
	hr := NewHandlerRegistry()
	hr.RegisterModule(stubModule{verb: "DUP"})

	var secondRan bool
	second := CommandModule(customModule{
		name: "second",
		load: func(hr *HandlerRegistry) {
			hr.OnVerb("DUP", func(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
				secondRan = true
				return false, nil
			})
		},
	})
	hr.RegisterModule(second)

	h, ok := hr.Verb("DUP")
	if !ok {
		t.Fatalf("expected DUP to be registered")
	}
	if _, err := h(context.Background(), nil, nil, &irc.Message{Command: "DUP"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !secondRan {
		t.Fatalf("expected the second module's handler to be the one in effect")
	}

	hr.Reload()
	secondRan = false
	h, ok = hr.Verb("DUP")
	if !ok {
		t.Fatalf("expected DUP to still be registered after reload")
	}
	if _, err := h(context.Background(), nil, nil, &irc.Message{Command: "DUP"}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !secondRan {
		t.Fatalf("expected the second module's handler to still win after reload")
	}
}

type customModule struct {
	name string
	load func(*HandlerRegistry)
}

func (m customModule) Name() string             { return m.name }
func (m customModule) Load(hr *HandlerRegistry) { m.load(hr) }
