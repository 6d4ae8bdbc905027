package kiwibnc

import (
	"context"
	"testing"
)

// TestBufferKeyLowercasing exercises invariant 5: buffers are keyed by
// lowercased name, so lookups, inserts, and renames are all
// case-insensitive regardless of the casing the caller passes in.
func TestBufferKeyLowercasing(t *testing.T) {
	db := createTempSqliteDB(t)
	c := NewConnectionState(db, "dn-buf", ConnTypeIncoming)
	if err := c.maybeLoad(context.Background()); err != nil {
		t.Fatalf("failed to load fresh connection state: %v", err)
	}

	c.addBuffer(&Buffer{Name: "#Kiwi", IsChannel: true})

	if b := c.getBuffer("#kiwi"); b == nil {
		t.Fatalf("expected case-insensitive lookup to find the buffer")
	} else if b.Name != "#Kiwi" {
		t.Fatalf("expected the stored Name to preserve original casing, got %q", b.Name)
	}

	if b := c.getOrAddBuffer("#KIWI", true); b.Name != "#Kiwi" {
		t.Fatalf("expected getOrAddBuffer to return the existing buffer rather than create a duplicate, got %q", b.Name)
	}

	var seen int
	c.forEachBuffer(func(*Buffer) { seen++ })
	if seen != 1 {
		t.Fatalf("expected exactly one buffer despite three different casings, got %d", seen)
	}

	renamed := c.renameBuffer("#kiwi", "#KiwiRenamed")
	if renamed == nil || renamed.Name != "#KiwiRenamed" {
		t.Fatalf("expected rename to succeed with the new casing, got %v", renamed)
	}
	if c.getBuffer("#kiwi") != nil {
		t.Fatalf("expected the old name to no longer resolve after rename")
	}
	if c.getBuffer("#KIWIRENAMED") == nil {
		t.Fatalf("expected the new name to resolve case-insensitively")
	}

	c.delBuffer("#kiwirenamed")
	if c.getBuffer("#KiwiRenamed") != nil {
		t.Fatalf("expected delBuffer to remove case-insensitively")
	}
}

// TestLinkedConnectionMembership exercises link <-> membership: an
// upstream reports isLinked/linkedCount purely off the set a downstream
// was added to and removed from, with no other bookkeeping involved.
func TestLinkedConnectionMembership(t *testing.T) {
	db := createTempSqliteDB(t)
	ctx := context.Background()

	up := NewConnectionState(db, "up-link", ConnTypeOutgoing)
	if err := up.maybeLoad(ctx); err != nil {
		t.Fatalf("failed to load fresh connection state: %v", err)
	}

	if up.isLinked("dn-a") {
		t.Fatalf("expected a fresh upstream to have no linked downstreams")
	}
	if up.linkedCount() != 0 {
		t.Fatalf("expected linkedCount 0, got %d", up.linkedCount())
	}

	if err := up.linkIncomingConnection(ctx, "dn-a"); err != nil {
		t.Fatalf("linkIncomingConnection: %v", err)
	}
	if err := up.linkIncomingConnection(ctx, "dn-b"); err != nil {
		t.Fatalf("linkIncomingConnection: %v", err)
	}

	if !up.isLinked("dn-a") || !up.isLinked("dn-b") {
		t.Fatalf("expected both dn-a and dn-b to be linked")
	}
	if up.linkedCount() != 2 {
		t.Fatalf("expected linkedCount 2, got %d", up.linkedCount())
	}

	if err := up.unlinkIncomingConnection(ctx, "dn-a"); err != nil {
		t.Fatalf("unlinkIncomingConnection: %v", err)
	}
	if up.isLinked("dn-a") {
		t.Fatalf("expected dn-a to no longer be linked after unlink")
	}
	if !up.isLinked("dn-b") {
		t.Fatalf("expected dn-b to remain linked")
	}
	if up.linkedCount() != 1 {
		t.Fatalf("expected linkedCount 1 after unlinking dn-a, got %d", up.linkedCount())
	}
}

// TestConnectionStateSaveLoadRoundTrip exercises the full
// ConnectionState.save/load cycle through a real backend: every field
// group (buffers, caps, linked ids, temp scratch) must survive being
// flushed to storage and reloaded into a fresh in-memory struct.
func testConnectionStateSaveLoadRoundTrip(t *testing.T, db *sqlStore) {
	ctx := context.Background()

	c := NewConnectionState(db, "up-roundtrip", ConnTypeOutgoing)
	if err := c.maybeLoad(ctx); err != nil {
		t.Fatalf("failed to load fresh connection state: %v", err)
	}

	c.Nick = "kiwi"
	c.AuthUserID = 7
	c.AuthNetworkID = 9
	c.Caps = map[string]struct{}{"server-time": {}}
	c.addBuffer(&Buffer{Name: "#General", Joined: true, IsChannel: true, Topic: "welcome"})
	if err := c.linkIncomingConnection(ctx, "dn-1"); err != nil {
		t.Fatalf("linkIncomingConnection: %v", err)
	}
	if err := c.tempSet(ctx, "capping", "302"); err != nil {
		t.Fatalf("tempSet: %v", err)
	}

	reloaded := NewConnectionState(db, "up-roundtrip", ConnTypeOutgoing)
	if err := reloaded.maybeLoad(ctx); err != nil {
		t.Fatalf("failed to reload connection state: %v", err)
	}

	if reloaded.Nick != "kiwi" {
		t.Fatalf("expected Nick to survive round-trip, got %q", reloaded.Nick)
	}
	if reloaded.AuthUserID != 7 || reloaded.AuthNetworkID != 9 {
		t.Fatalf("expected auth ids to survive round-trip, got (%d, %d)", reloaded.AuthUserID, reloaded.AuthNetworkID)
	}
	if _, ok := reloaded.Caps["server-time"]; !ok {
		t.Fatalf("expected server-time cap to survive round-trip")
	}
	if b := reloaded.getBuffer("#general"); b == nil || b.Topic != "welcome" || !b.Joined {
		t.Fatalf("expected #General buffer to survive round-trip, got %v", b)
	}
	if !reloaded.isLinked("dn-1") {
		t.Fatalf("expected linked downstream dn-1 to survive round-trip")
	}
	if v, ok := reloaded.tempGet("capping"); !ok || v != "302" {
		t.Fatalf("expected tempData[capping] to survive round-trip, got (%v, %v)", v, ok)
	}
}

func TestConnectionStateSaveLoadRoundTrip(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		testConnectionStateSaveLoadRoundTrip(t, createTempSqliteDB(t))
	})
	t.Run("postgres", func(t *testing.T) {
		testConnectionStateSaveLoadRoundTrip(t, createTempPostgresDB(t))
	})
}
