package kiwibnc

import "sync"

// Registry is the process-wide index of live connections described in
// spec §4 "Connection Registry": lookup of a user's outgoing upstream,
// plus bookkeeping of every live connection by conId. It is the single
// point of indirection downstream↔upstream references resolve through
// (spec §9 "Cross-connection references"), so that neither side holds a
// direct Go pointer with its own lifetime.
//
// Mutated only on connection creation/destruction; lookups are
// point-in-time and callers must tolerate a just-removed entry by
// treating it as absent (spec §5).
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*ConnectionState
	byKey map[upstreamKey]*ConnectionState // (authUserId, authNetworkId) -> outgoing upstream
}

type upstreamKey struct {
	userID    int64
	networkID int64
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]*ConnectionState),
		byKey: make(map[upstreamKey]*ConnectionState),
	}
}

// Add registers a newly created or dialed connection.
func (r *Registry) Add(c *ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ConID] = c
	if c.Type == ConnTypeOutgoing && c.AuthUserID != 0 {
		r.byKey[upstreamKey{c.AuthUserID, c.AuthNetworkID}] = c
	}
}

// Remove unregisters a connection on final disconnect/destroy.
func (r *Registry) Remove(c *ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, c.ConID)
	if c.Type == ConnTypeOutgoing {
		key := upstreamKey{c.AuthUserID, c.AuthNetworkID}
		if existing, ok := r.byKey[key]; ok && existing == c {
			delete(r.byKey, key)
		}
	}
}

// Get resolves a conId to its live ConnectionState, or nil if it is not
// currently registered (e.g. it just disconnected).
func (r *Registry) Get(conID string) *ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[conID]
}

// FindUsersOutgoingConnection implements the Registry query named in
// spec §4.3: at most one outgoing upstream exists per (userId, networkId)
// pair (invariant 3).
func (r *Registry) FindUsersOutgoingConnection(userID, networkID int64) *ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[upstreamKey{userID, networkID}]
}

// RegisterUpstreamAuth binds an upstream connection into the (userId,
// networkId) index from its current AuthUserID/AuthNetworkID. Add already
// indexes an outgoing connection whose AuthUserID is set; this also covers
// one whose identity was filled in after Add. makeUpstream and
// Server.Start call it right after Add, before dialing.
func (r *Registry) RegisterUpstreamAuth(c *ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Type != ConnTypeOutgoing {
		return
	}
	r.byKey[upstreamKey{c.AuthUserID, c.AuthNetworkID}] = c
}
