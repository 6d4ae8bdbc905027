package kiwibnc

import (
	"context"
	"testing"
)

// TestBouncerDelBufferMissingBuffer exercises the documented resolution to
// spec's DELBUFFER open question: deleting a buffer that doesn't exist on
// an otherwise-known network is a clean no-op that still replies RPL_OK,
// not a crash or an error reply.
func testBouncerDelBufferMissingBuffer(t *testing.T, db *sqlStore) {
	ctx := context.Background()
	user := createTestUser(t, db)
	network := createTestNetwork(t, db, user, "delbuftest", "irc.example.org", 6697)

	srv := newTestServer(db)

	con := NewConnectionState(db, "dn-delbuf", ConnTypeIncoming)
	if err := con.maybeLoad(ctx); err != nil {
		t.Fatalf("failed to load connection state: %v", err)
	}
	con.AuthUserID = user.ID
	sink := &fakeSink{}
	con.SetSink(sink)

	bouncerDelBuffer(ctx, srv, con, []string{network.Name, "#never-joined"})

	if len(sink.sent) != 1 {
		t.Fatalf("expected exactly one BOUNCER reply, got %v", sink.sent)
	}
	reply := sink.sent[0]
	if reply.Command != "BOUNCER" || len(reply.Params) != 4 || reply.Params[0] != "delbuffer" || reply.Params[3] != replyOK {
		t.Fatalf("expected a delbuffer RPL_OK reply, got %v", reply)
	}
}

func TestBouncerDelBufferMissingBuffer(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		testBouncerDelBufferMissingBuffer(t, createTempSqliteDB(t))
	})
	t.Run("postgres", func(t *testing.T) {
		testBouncerDelBufferMissingBuffer(t, createTempPostgresDB(t))
	})
}

// TestBouncerDelBufferJoinedChannelParts exercises the other branch: a
// buffer that exists and is currently joined gets PARTed upstream before
// being removed.
func testBouncerDelBufferJoinedChannelParts(t *testing.T, db *sqlStore) {
	ctx := context.Background()
	user := createTestUser(t, db)
	network := createTestNetwork(t, db, user, "delbuftest2", "irc.example.org", 6697)

	srv := newTestServer(db)

	up := NewConnectionState(db, "up-delbuf", ConnTypeOutgoing)
	if err := up.maybeLoad(ctx); err != nil {
		t.Fatalf("failed to load upstream connection state: %v", err)
	}
	up.AuthUserID = user.ID
	up.AuthNetworkID = network.ID
	upSink := &fakeSink{}
	up.SetSink(upSink)
	up.addBuffer(&Buffer{Name: "#joined", Joined: true, IsChannel: true})
	srv.Registry.Add(up)
	srv.Registry.RegisterUpstreamAuth(up)

	con := NewConnectionState(db, "dn-delbuf2", ConnTypeIncoming)
	if err := con.maybeLoad(ctx); err != nil {
		t.Fatalf("failed to load connection state: %v", err)
	}
	con.AuthUserID = user.ID
	con.AuthNetworkID = network.ID
	sink := &fakeSink{}
	con.SetSink(sink)

	bouncerDelBuffer(ctx, srv, con, []string{network.Name, "#joined"})

	if len(upSink.sent) != 1 || upSink.sent[0].Command != "PART" {
		t.Fatalf("expected a PART to be sent upstream for a joined buffer, got %v", upSink.sent)
	}
	if up.getBuffer("#joined") != nil {
		t.Fatalf("expected the buffer to be removed from the upstream")
	}
	if len(sink.sent) != 1 || len(sink.sent[0].Params) != 4 || sink.sent[0].Params[3] != replyOK {
		t.Fatalf("expected a delbuffer RPL_OK reply, got %v", sink.sent)
	}
}

func TestBouncerDelBufferJoinedChannelParts(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		testBouncerDelBufferJoinedChannelParts(t, createTempSqliteDB(t))
	})
	t.Run("postgres", func(t *testing.T) {
		testBouncerDelBufferJoinedChannelParts(t, createTempPostgresDB(t))
	})
}
