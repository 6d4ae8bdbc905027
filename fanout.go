package kiwibnc

import "gopkg.in/irc.v3"

// forEachClient implements spec §4.5: iterate every downstream currently
// linked to this (upstream) connection, skipping exclude, invoking f for
// each. Used by PRIVMSG/NOTICE fan-out so sibling clients see each
// other's sent messages as if from the user's own nick.
//
// Resolution of conId -> *ConnectionState goes through reg, the same
// process-wide Registry every other cross-connection reference uses
// (spec §9 "Cross-connection references"), rather than a direct pointer,
// so a sibling that has since disconnected is simply absent instead of
// dangling.
//
// Grounded on the teacher's forEachDownstream/ring-buffer idea (spec §2
// "Fan-out & Echo"), simplified: no ring buffer is needed since every
// live downstream is directly reachable through the Registry by conId.
func (c *ConnectionState) forEachClient(reg *Registry, f func(*ConnectionState), exclude string) {
	c.linkedMu.Lock()
	ids := make([]string, 0, len(c.LinkedIncomingConIDs))
	for id := range c.LinkedIncomingConIDs {
		if id == exclude {
			continue
		}
		ids = append(ids, id)
	}
	c.linkedMu.Unlock()

	for _, id := range ids {
		if sibling := reg.Get(id); sibling != nil {
			f(sibling)
		}
	}
}

// broadcastStatus is a small helper that sends a single status line to
// every client attached to up, skipping exclude. The PRIVMSG/NOTICE path
// and the BOUNCER handlers do not use it.
func broadcastStatus(reg *Registry, up *ConnectionState, exclude string, msg *irc.Message) {
	up.forEachClient(reg, func(sibling *ConnectionState) {
		sibling.Send(msg)
	}, exclude)
}
