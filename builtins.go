package kiwibnc

import (
	"context"
	"os"
	"strings"

	"gopkg.in/irc.v3"
)

// BuiltinCommands is the CommandModule carrying the verb contracts named
// in spec §4.2: CAP, PASS, USER, NICK, PRIVMSG/NOTICE, QUIT, KILL. It is
// loaded once at server startup and re-attached verbatim whenever RELOAD
// runs, exactly like any other CommandModule (spec §9).
type BuiltinCommands struct{}

func (BuiltinCommands) Name() string { return "builtin" }

func (b BuiltinCommands) Load(hr *HandlerRegistry) {
	hr.OnVerb("CAP", handleCap)
	hr.OnVerb("PASS", handlePass)
	hr.OnVerb("USER", handleUser)
	hr.OnVerb("NICK", handleNick)
	hr.OnVerb("PRIVMSG", handlePrivmsgNotice)
	hr.OnVerb("NOTICE", handlePrivmsgNotice)
	hr.OnVerb("QUIT", handleQuit)
	hr.OnVerb("KILL", handleKill)
	hr.OnAvailableCaps(func() []string {
		return []string{"server-time", "message-tags", "echo-message", "away-notify"}
	})
}

func regStateOf(con *ConnectionState) *regState {
	v, ok := con.tempGet("reg.state")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case *regState:
		return t
	case regState:
		return &t
	case map[string]interface{}:
		rs := &regState{}
		if s, ok := t["nick"].(string); ok {
			rs.Nick = s
		}
		if s, ok := t["user"].(string); ok {
			rs.User = s
		}
		if s, ok := t["pass"].(string); ok {
			rs.Pass = s
		}
		return rs
	}
	return nil
}

func nickOrStar(con *ConnectionState) string {
	if con.Nick == "" {
		return "*"
	}
	return con.Nick
}

// handleCap implements CAP LS/LIST/REQ/END (spec §4.2). It never forwards
// upstream.
func handleCap(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	if len(msg.Params) == 0 {
		return false, ircErrorf(irc.ERR_NEEDMOREPARAMS, "*", "CAP", "Not enough parameters")
	}
	nick := nickOrStar(con)
	sub := strings.ToUpper(msg.Params[0])

	switch sub {
	case "LS":
		version := "301"
		if len(msg.Params) > 1 {
			version = msg.Params[1]
		}
		if err := con.tempSet(ctx, "capping", version); err != nil {
			return false, err
		}
		caps := srv.Handlers.AvailableCaps()
		con.Send(&irc.Message{
			Prefix:  &irc.Prefix{Name: con.ServerPrefix},
			Command: "CAP",
			Params:  []string{nick, "LS", joinCaps(caps)},
		})
		return false, nil

	case "LIST":
		enabled := make([]string, 0, len(con.Caps))
		for c := range con.Caps {
			enabled = append(enabled, c)
		}
		con.Send(&irc.Message{
			Prefix:  &irc.Prefix{Name: con.ServerPrefix},
			Command: "CAP",
			Params:  []string{nick, "LIST", joinCaps(enabled)},
		})
		return false, nil

	case "REQ":
		if len(msg.Params) < 2 {
			return false, ircErrorf(irc.ERR_NEEDMOREPARAMS, "*", "CAP", "Not enough parameters")
		}
		requested := splitCapList(msg.Params[1])
		available := make(map[string]struct{})
		for _, c := range srv.Handlers.AvailableCaps() {
			available[c] = struct{}{}
		}
		var matched []string
		for _, c := range requested {
			if _, ok := available[c]; ok {
				if con.Caps == nil {
					con.Caps = make(map[string]struct{})
				}
				con.Caps[c] = struct{}{}
				matched = append(matched, c)
			}
		}
		if err := con.save(ctx); err != nil {
			return false, err
		}
		con.Send(&irc.Message{
			Prefix:  &irc.Prefix{Name: con.ServerPrefix},
			Command: "CAP",
			Params:  []string{nick, "ACK", joinCaps(matched)},
		})
		return false, nil

	case "END":
		queue := con.getCapQueue()
		if err := con.tempSetMany(ctx, map[string]interface{}{"capping": nil, "reg.queue": nil}); err != nil {
			return false, err
		}
		for _, line := range queue {
			parsed, err := irc.ParseMessage(line)
			if err != nil {
				continue
			}
			if err := con.Redispatch(ctx, parsed, true); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	return false, nil
}

// getCapQueue reads tempData["reg.queue"], tolerating both its in-memory
// []string shape and the []interface{} shape a JSON reload produces.
func (c *ConnectionState) getCapQueue() []string {
	v, ok := c.tempGet("reg.queue")
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// handlePass stores the BNC password triple; never forwarded.
func handlePass(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	if con.AuthUserID != 0 {
		return false, nil
	}
	if len(msg.Params) == 0 {
		return false, nil
	}
	rs := regStateOf(con)
	if rs == nil {
		rs = &regState{}
	}
	rs.Pass = msg.Params[0]
	return false, con.tempSet(ctx, "reg.state", rs)
}

// handleUser stores the USER argument; the BNC always synthesizes its own
// USER line upstream, so this never forwards.
func handleUser(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	if _, ok := con.tempGet("reg.state"); !ok {
		return false, nil
	}
	rs := regStateOf(con)
	if rs == nil {
		rs = &regState{}
	}
	if len(msg.Params) > 0 {
		rs.User = msg.Params[0]
	}
	return false, con.tempSet(ctx, "reg.state", rs)
}

// handleNick implements the three-way NICK contract from spec §4.2.
func handleNick(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	var nick string
	if len(msg.Params) > 0 {
		nick = msg.Params[0]
	}

	if !con.NetRegistered {
		old := nickOrStar(con)
		con.Nick = nick
		rs := regStateOf(con)
		if rs == nil {
			rs = &regState{}
		}
		rs.Nick = nick
		if err := con.tempSet(ctx, "reg.state", rs); err != nil {
			return false, err
		}
		con.Send(nickMessage(old, nick))
		con.Send(numeric(con.ServerPrefix, nick, irc.ERR_PASSWDMISMATCH, "Password required"))
		con.Send(notice(con.ServerPrefix, nick, "Use /quote PASS user[/network][:password] to log in"))
		return false, nil
	}

	up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, con.AuthNetworkID)
	if up != nil && !up.NetRegistered {
		// Upstream handshake still in flight; swallow to avoid
		// interfering with it.
		return false, nil
	}
	return true, nil
}

// handlePrivmsgNotice implements fan-out, message-store persistence, and
// the *bnc control-channel interception from spec §4.2/§4.5.
func handlePrivmsgNotice(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	var target, text string
	if err := parseMessageParams(msg, &target, &text); err != nil {
		return false, err
	}

	if strings.EqualFold(target, "*bnc") {
		if msg.Command == "PRIVMSG" {
			handleBouncerControlLine(ctx, srv, con, text)
		}
		return false, nil
	}

	up := srv.Registry.FindUsersOutgoingConnection(con.AuthUserID, con.AuthNetworkID)
	nick := con.Nick
	if up != nil && up.Nick != "" {
		nick = up.Nick
	}
	echo := &irc.Message{
		Prefix:  &irc.Prefix{Name: nick},
		Command: msg.Command,
		Params:  []string{target, text},
	}
	if up != nil {
		up.forEachClient(srv.Registry, func(sibling *ConnectionState) {
			sibling.Send(echo)
		}, con.ConID)
	}

	if srv.MsgStore != nil && con.Logging {
		srv.MsgStore.Append(con.AuthUserID, con.AuthNetworkID, msg.Command, target, text)
	}

	return true, nil
}

// handleQuit closes the incoming socket; the upstream stays alive for a
// future attach.
func handleQuit(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	con.CloseSink()
	return false, nil
}

// handleKill shuts the whole process down: stop accepting new
// connections, then exit.
func handleKill(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	srv.Shutdown()
	os.Exit(0)
	return false, nil
}
