package kiwibnc

import (
	"context"
	"testing"

	"gopkg.in/irc.v3"
)

// fakeSink is a minimal OutputSink that records every message handed to it
// instead of writing to a socket, used to assert on what dispatch actually
// sent without needing a live connection.
type fakeSink struct {
	sent []*irc.Message
}

func (f *fakeSink) Send(msg *irc.Message) { f.sent = append(f.sent, msg) }
func (f *fakeSink) Close() error          { return nil }

func newTestDownstreamConn(t *testing.T, srv *Server, conID string) (*Downstream, *fakeSink) {
	state := NewConnectionState(srv.DB, conID, ConnTypeIncoming)
	if err := state.maybeLoad(context.Background()); err != nil {
		t.Fatalf("failed to load connection state: %v", err)
	}
	sink := &fakeSink{}
	state.SetSink(sink)
	srv.Registry.Add(state)
	return NewDownstream(srv, state), sink
}

// TestCapGateSuppressesSideEffects exercises spec's CAP gate ordering
// directly against Downstream.dispatch: while capping, any verb other than
// CAP itself must produce no reply and no handler side effect, only a
// queued raw line, and CAP END must replay exactly what was queued.
func TestCapGateSuppressesSideEffects(t *testing.T) {
	db := createTempSqliteDB(t)
	srv := newTestServer(db)
	dc, sink := newTestDownstreamConn(t, srv, "dn-capgate")
	ctx := context.Background()

	if err := dc.Run(ctx, &irc.Message{Command: "CAP", Params: []string{"LS", "302"}}); err != nil {
		t.Fatalf("CAP LS: %v", err)
	}
	if len(sink.sent) != 1 || sink.sent[0].Command != "CAP" {
		t.Fatalf("expected exactly one CAP reply to CAP LS, got %v", sink.sent)
	}
	if _, capping := dc.tempGet("capping"); !capping {
		t.Fatalf("expected capping to be set after CAP LS")
	}

	// NICK has a visible side effect (an echoed NICK + numeric) when
	// dispatched directly; while capping, it must be fully suppressed —
	// no reply, and Nick itself must not change — and only queued.
	sink.sent = nil
	if err := dc.Run(ctx, &irc.Message{Command: "NICK", Params: []string{"someone"}}); err != nil {
		t.Fatalf("NICK while capping: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("expected no reply to a non-CAP verb while capping, got %v", sink.sent)
	}
	if dc.Nick != "" {
		t.Fatalf("expected NICK's side effect to be suppressed while capping, got Nick=%q", dc.Nick)
	}
	queue := dc.getCapQueue()
	if len(queue) != 1 {
		t.Fatalf("expected exactly one queued line, got %v", queue)
	}

	// CAP END drops the gate and replays the queue; the replayed NICK now
	// takes effect as if it had arrived after CAP END in the first place.
	sink.sent = nil
	if err := dc.Run(ctx, &irc.Message{Command: "CAP", Params: []string{"END"}}); err != nil {
		t.Fatalf("CAP END: %v", err)
	}
	if _, capping := dc.tempGet("capping"); capping {
		t.Fatalf("expected capping to be cleared after CAP END")
	}
	if len(dc.getCapQueue()) != 0 {
		t.Fatalf("expected the queue to be drained after CAP END")
	}
	if dc.Nick != "someone" {
		t.Fatalf("expected the queued NICK to take effect once replayed, got Nick=%q", dc.Nick)
	}
}
