package kiwibnc

import (
	"net"
	"strconv"
	"testing"

	"gopkg.in/irc.v3"
)

var testServerPrefix = &irc.Prefix{Name: "kiwibnc-test"}

// createTestDownstream wires one end of a net.Pipe into srv's accept path
// exactly like a real TCP connection would, and hands the caller the other
// end as a raw irc.Conn to drive by hand. Grounded on the teacher's own
// createTestDownstream (net.Pipe + a goroutine running the server's handle
// loop).
func createTestDownstream(t *testing.T, srv *Server) *irc.Conn {
	c1, c2 := net.Pipe()
	go srv.handleDownstream(c1)
	return irc.NewConn(c2)
}

// createTestUpstream opens a real TCP listener standing in for an IRC
// network, and stores a matching network row under user. Grounded on the
// teacher's own createTestUpstream.
func createTestUpstream(t *testing.T, db *sqlStore, user *User, name string) (*Network, net.Listener) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to split listener address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse listener port: %v", err)
	}
	network := createTestNetwork(t, db, user, name, host, port)
	return network, ln
}

func mustAccept(t *testing.T, ln net.Listener) *irc.Conn {
	c, err := ln.Accept()
	if err != nil {
		t.Fatalf("failed accepting connection: %v", err)
	}
	return irc.NewConn(c)
}

func expectMessage(t *testing.T, c *irc.Conn, cmd string) *irc.Message {
	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
	}
	if msg.Command != cmd {
		t.Fatalf("invalid message received: want %q, got: %v", cmd, msg)
	}
	return msg
}

// registerUpstreamConn plays the part of a real IRC network: it expects
// the registration burst kiwibnc sends a freshly dialed upstream (no SASL,
// no PASS, since the test network carries neither) and replies with a
// standard 001..MOTD burst.
func registerUpstreamConn(t *testing.T, c *irc.Conn) string {
	msg := expectMessage(t, c, "NICK")
	nick := msg.Params[0]
	expectMessage(t, c, "USER")

	c.WriteMessage(&irc.Message{Prefix: testServerPrefix, Command: irc.RPL_WELCOME, Params: []string{nick, "Welcome!"}})
	c.WriteMessage(&irc.Message{Prefix: testServerPrefix, Command: irc.RPL_YOURHOST, Params: []string{nick, "Your host is kiwibnc-test"}})
	c.WriteMessage(&irc.Message{Prefix: testServerPrefix, Command: irc.RPL_CREATED, Params: []string{nick, "This server was created a while ago"}})
	c.WriteMessage(&irc.Message{Prefix: testServerPrefix, Command: irc.RPL_MYINFO, Params: []string{nick, testServerPrefix.Name, "kiwibnc", "", ""}})
	c.WriteMessage(&irc.Message{Prefix: testServerPrefix, Command: irc.ERR_NOMOTD, Params: []string{nick, "No MOTD"}})
	return nick
}

// registerDownstreamConn drives the PASS/NICK/USER handshake with a
// user/network[:password] triple. The USER line's dispatch synchronously
// creates and starts dialing the bound upstream (the dial itself runs in
// its own goroutine), so this returns as soon as the three lines are
// written rather than waiting for the eventual RPL_WELCOME.
func registerDownstreamConn(t *testing.T, c *irc.Conn, networkName string) {
	c.WriteMessage(&irc.Message{Command: "PASS", Params: []string{testUsername + "/" + networkName + ":" + testPassword}})
	c.WriteMessage(&irc.Message{Command: "NICK", Params: []string{testUsername}})
	c.WriteMessage(&irc.Message{Command: "USER", Params: []string{testUsername, "0", "*", testUsername}})
}

// waitForWelcome reads from c until RPL_WELCOME arrives, skipping whatever
// pre-registration noise (NICK echo, status notices) precedes it.
func waitForWelcome(c *irc.Conn) error {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Command == irc.RPL_WELCOME {
			return nil
		}
	}
}

// testServer exercises one end-to-end scenario of registration + network
// attach + live upstream-to-downstream forwarding: create a user and a
// network pointed at a fake upstream, bring the upstream up, attach a
// downstream through the PASS triple, and confirm a line written by the
// fake network reaches the downstream verbatim.
func testServer(t *testing.T, db *sqlStore) {
	user := createTestUser(t, db)
	network, upstream := createTestUpstream(t, db, user, "testnet")
	defer upstream.Close()

	srv := newTestServer(db)
	defer srv.Shutdown()

	dc := createTestDownstream(t, srv)
	defer dc.Close()

	// The downstream's USER line kicks off an async dial to the fake
	// upstream, so wait for its welcome burst on a separate goroutine
	// while this one plays the network side of the handshake.
	welcome := make(chan error, 1)
	go func() { welcome <- waitForWelcome(dc) }()

	registerDownstreamConn(t, dc, network.Name)

	uc := mustAccept(t, upstream)
	defer uc.Close()
	registerUpstreamConn(t, uc)

	if err := <-welcome; err != nil {
		t.Fatalf("failed to read IRC message: %v", err)
	}

	noticeText := "This is a very important server notice."
	uc.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "NOTICE",
		Params:  []string{testUsername, noticeText},
	})

	var msg *irc.Message
	for {
		var err error
		msg, err = dc.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read IRC message: %v", err)
		}
		if msg.Command == "NOTICE" {
			break
		}
	}

	if msg.Params[1] != noticeText {
		t.Fatalf("invalid NOTICE text: want %q, got: %v", noticeText, msg)
	}
}

func TestServer(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		db := createTempSqliteDB(t)
		testServer(t, db)
	})

	t.Run("postgres", func(t *testing.T) {
		db := createTempPostgresDB(t)
		testServer(t, db)
	})
}
