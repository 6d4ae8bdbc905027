package kiwibnc

import (
	"context"
	"strconv"
	"strings"

	"gopkg.in/irc.v3"
)

// Literal response tokens named in spec §4.4/§6.
const (
	errInvalidArgs = "ERR_INVALIDARGS"
	errNetNotFound = "ERR_NETNOTFOUND"
	replyOK        = "RPL_OK"
)

// BouncerCommands is the CommandModule implementing the administrative
// BOUNCER sub-verbs of spec §4.4. Unlike CAP/PASS/USER/NICK, soju itself
// has no direct BOUNCER equivalent (its bouncer-networks extension
// predates the IRCv3 draft and is shaped differently), so this module is
// grounded directly on spec §4.4's table rather than adapted teacher
// code, using the same con.Send/BOUNCER-line conventions as every other
// builtin.
type BouncerCommands struct{}

func (BouncerCommands) Name() string { return "bouncer" }

func (BouncerCommands) Load(hr *HandlerRegistry) {
	hr.OnVerb("BOUNCER", handleBouncer)
}

func bouncerReply(con *ConnectionState, fields ...string) {
	con.Send(&irc.Message{
		Prefix:  &irc.Prefix{Name: con.ServerPrefix},
		Command: "BOUNCER",
		Params:  fields,
	})
}

func handleBouncer(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	if len(msg.Params) == 0 {
		bouncerReply(con, errInvalidArgs)
		return false, nil
	}
	sub := strings.ToUpper(msg.Params[0])
	args := msg.Params[1:]

	switch sub {
	case "CONNECT":
		bouncerConnect(ctx, srv, con, args)
	case "DISCONNECT":
		bouncerDisconnect(ctx, srv, con, args)
	case "LISTNETWORKS":
		bouncerListNetworks(ctx, srv, con)
	case "LISTBUFFERS":
		bouncerListBuffers(ctx, srv, con, args)
	case "DELBUFFER":
		bouncerDelBuffer(ctx, srv, con, args)
	default:
		bouncerReply(con, errInvalidArgs)
	}
	return false, nil
}

// handleBouncerControlLine is the *bnc control-channel entry point named
// in spec §4.2: `PRIVMSG *bnc :<text>` is treated as a BOUNCER command
// line, letting clients that can't send a raw BOUNCER verb still drive
// it via ordinary PRIVMSG (e.g. web-based IRC clients).
func handleBouncerControlLine(ctx context.Context, srv *Server, con *ConnectionState, text string) {
	fields := strings.Fields(text)
	msg := &irc.Message{Command: "BOUNCER", Params: fields}
	_, _ = handleBouncer(ctx, srv, con, msg)
}

func resolveNetwork(ctx context.Context, srv *Server, con *ConnectionState, name string) (*Network, bool) {
	net, err := srv.Creds.GetNetworkByName(ctx, con.AuthUserID, name)
	if err != nil || net == nil {
		return nil, false
	}
	return net, true
}

func bouncerConnect(ctx context.Context, srv *Server, con *ConnectionState, args []string) {
	if len(args) < 1 {
		bouncerReply(con, "connect", errInvalidArgs)
		return
	}
	name := args[0]
	net, ok := resolveNetwork(ctx, srv, con, name)
	if !ok {
		bouncerReply(con, "connect", errNetNotFound)
		return
	}

	up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, net.ID)
	if up == nil {
		newUp, err := srv.makeUpstream(ctx, con.AuthUserID, net.ID)
		if err != nil {
			srv.Logger.Printf("BOUNCER CONNECT %s: %v", name, err)
			return
		}
		_ = srv.openUpstream(ctx, newUp)
		return
	}
	if !up.Connected {
		_ = srv.openUpstream(ctx, up)
	}
}

func bouncerDisconnect(ctx context.Context, srv *Server, con *ConnectionState, args []string) {
	if len(args) < 1 {
		bouncerReply(con, "disconnect", errInvalidArgs)
		return
	}
	name := args[0]
	net, ok := resolveNetwork(ctx, srv, con, name)
	if !ok {
		bouncerReply(con, "disconnect", errNetNotFound)
		return
	}
	up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, net.ID)
	if up != nil && up.Connected {
		up.CloseSink()
	}
}

// bouncerListNetworks preserves the source's documented quirks (spec §9
// open questions 1 and 2): tls is emitted as a literal 0|1 (the bug that
// always yielded "1" is fixed here per the specification's stated
// intent), and the terminator line is named "listnetwork" (singular)
// while per-entry lines use "listnetworks" (plural), kept as-is pending
// upstream clarification.
func bouncerListNetworks(ctx context.Context, srv *Server, con *ConnectionState) {
	nets, err := srv.Creds.GetUserNetworks(ctx, con.AuthUserID)
	if err != nil {
		return
	}
	for _, net := range nets {
		state := "disconnected"
		up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, net.ID)
		if up != nil {
			if up.Connected {
				state = "connected"
			} else {
				state = "disconnect"
			}
		}
		bouncerReply(con, "listnetworks",
			"network="+net.Name,
			"host="+net.Host,
			"port="+strconv.Itoa(net.Port),
			"tls="+boolTag(net.TLS),
			"state="+state,
		)
	}
	bouncerReply(con, "listnetwork", replyOK)
}

func bouncerListBuffers(ctx context.Context, srv *Server, con *ConnectionState, args []string) {
	if len(args) < 1 {
		bouncerReply(con, "listbuffers", errInvalidArgs)
		return
	}
	name := args[0]
	net, ok := resolveNetwork(ctx, srv, con, name)
	if !ok {
		bouncerReply(con, "listbuffers", errNetNotFound)
		return
	}
	up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, net.ID)
	if up != nil {
		up.forEachBuffer(func(b *Buffer) {
			con.Send(&irc.Message{
				Prefix:  &irc.Prefix{Name: con.ServerPrefix},
				Command: "BOUNCER",
				Tags:    encodeTags(map[string]string{"network": name, "buffer": b.Name, "joined": boolTag(b.Joined), "topic": b.Topic}),
				Params:  []string{"listbuffers", name},
			})
		})
	}
	bouncerReply(con, "listbuffers", name, replyOK)
}

// bouncerDelBuffer implements spec §9 open question 3: a missing buffer
// is a clean early return (still RPL_OK), not a dereference of the
// missing entry.
func bouncerDelBuffer(ctx context.Context, srv *Server, con *ConnectionState, args []string) {
	if len(args) < 2 {
		bouncerReply(con, "delbuffer", errInvalidArgs)
		return
	}
	netName, bufName := args[0], args[1]
	net, ok := resolveNetwork(ctx, srv, con, netName)
	if !ok {
		bouncerReply(con, "delbuffer", errNetNotFound)
		return
	}
	up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, net.ID)
	if up == nil {
		bouncerReply(con, "delbuffer", netName, bufName, replyOK)
		return
	}
	b := up.getBuffer(bufName)
	if b == nil {
		bouncerReply(con, "delbuffer", netName, bufName, replyOK)
		return
	}
	if b.Joined {
		up.Send(&irc.Message{Command: "PART", Params: []string{b.Name}})
	}
	up.delBuffer(bufName)
	_ = up.save(ctx)
	bouncerReply(con, "delbuffer", netName, bufName, replyOK)
}
