package kiwibnc

import "testing"

// TestRegistryUpstreamInvariant exercises invariant 3 ("at most one
// outgoing upstream per (userId, networkId)"): Add replaces whatever
// upstream was indexed under a key, and Remove only clears the index entry
// if it still points at the caller's own *ConnectionState, so a stale
// connection's teardown can never clobber a fresher one that already
// replaced it.
func TestRegistryUpstreamInvariant(t *testing.T) {
	reg := NewRegistry()

	first := &ConnectionState{ConID: "up-1-1", Type: ConnTypeOutgoing, AuthUserID: 1, AuthNetworkID: 1}
	reg.Add(first)

	if got := reg.FindUsersOutgoingConnection(1, 1); got != first {
		t.Fatalf("expected the only registered upstream, got %v", got)
	}

	second := &ConnectionState{ConID: "up-1-1b", Type: ConnTypeOutgoing, AuthUserID: 1, AuthNetworkID: 1}
	reg.Add(second)

	if got := reg.FindUsersOutgoingConnection(1, 1); got != second {
		t.Fatalf("expected the newer upstream to have replaced the older one, got %v", got)
	}

	// A stale teardown of `first` (e.g. a delayed goroutine from a dial
	// that was superseded) must not remove `second` from the index, even
	// though both share the same (userId, networkId) key.
	reg.Remove(first)
	if got := reg.FindUsersOutgoingConnection(1, 1); got != second {
		t.Fatalf("stale Remove(first) clobbered the current upstream: got %v", got)
	}

	reg.Remove(second)
	if got := reg.FindUsersOutgoingConnection(1, 1); got != nil {
		t.Fatalf("expected no upstream after removing the current one, got %v", got)
	}
}

// TestRegistryByID exercises the other half of the Registry: conID lookup,
// and that a removed connection is simply absent rather than dangling.
func TestRegistryByID(t *testing.T) {
	reg := NewRegistry()

	c := &ConnectionState{ConID: "dn-1", Type: ConnTypeIncoming}
	reg.Add(c)

	if got := reg.Get("dn-1"); got != c {
		t.Fatalf("expected to find the registered connection, got %v", got)
	}

	reg.Remove(c)
	if got := reg.Get("dn-1"); got != nil {
		t.Fatalf("expected a removed connection to be absent, got %v", got)
	}
}

// TestRegisterUpstreamAuth exercises the second index-population path: a
// freshly created outgoing ConnectionState is added before its identity is
// known, and RegisterUpstreamAuth binds it into the (userId, networkId)
// index once that identity is resolved.
func TestRegisterUpstreamAuth(t *testing.T) {
	reg := NewRegistry()

	c := &ConnectionState{ConID: "up-2-3"}
	c.Type = ConnTypeOutgoing
	reg.Add(c) // AuthUserID is still zero here, so Add alone can't index it

	if got := reg.FindUsersOutgoingConnection(2, 3); got != nil {
		t.Fatalf("expected no upstream indexed before auth resolved, got %v", got)
	}

	c.AuthUserID = 2
	c.AuthNetworkID = 3
	reg.RegisterUpstreamAuth(c)

	if got := reg.FindUsersOutgoingConnection(2, 3); got != c {
		t.Fatalf("expected RegisterUpstreamAuth to index the upstream, got %v", got)
	}
}
