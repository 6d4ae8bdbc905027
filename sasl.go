package kiwibnc

import (
	"context"
	"encoding/base64"

	gosasl "github.com/emersion/go-sasl"
	"gopkg.in/irc.v3"
)

// SASLCommands is the loadable module named in SPEC_FULL.md §4.2.E2: it
// advertises `sasl` through the available_caps broadcast and drives an
// AUTHENTICATE PLAIN exchange on top of the same CredentialStore.AuthUser
// the user-only PASS login path uses, without touching CAP REQ/ACK
// ordering.
//
// Grounded on delthas-soju/downstream.go's AUTHENTICATE handling,
// trimmed to the one mechanism this BNC supports and to the
// single-downstream-at-a-time SASL state this spec's ConnectionState
// already has room for (tempData, rather than a saslServer field).
type SASLCommands struct{}

func (SASLCommands) Name() string { return "sasl" }

func (SASLCommands) Load(hr *HandlerRegistry) {
	hr.OnAvailableCaps(func() []string { return []string{"sasl"} })
	hr.OnVerb("AUTHENTICATE", handleAuthenticateDownstream)
}

func handleAuthenticateDownstream(ctx context.Context, srv *Server, con *ConnectionState, msg *irc.Message) (bool, error) {
	if _, enabled := con.Caps["sasl"]; !enabled {
		return false, ircErrorf(irc.ERR_SASLFAIL, "*", "AUTHENTICATE requires the sasl capability")
	}
	if len(msg.Params) == 0 {
		return false, ircErrorf(irc.ERR_SASLFAIL, "*", "Missing AUTHENTICATE argument")
	}

	arg := msg.Params[0]

	if arg == "*" {
		con.tempSet(ctx, "sasl.mech", nil)
		return false, ircErrorf(irc.ERR_SASLABORTED, "*", "SASL authentication aborted")
	}

	if _, started := con.tempGet("sasl.mech"); !started {
		if arg != "PLAIN" {
			return false, ircErrorf(irc.ERR_SASLFAIL, "*", "Unsupported SASL mechanism "+arg)
		}
		if err := con.tempSet(ctx, "sasl.mech", "PLAIN"); err != nil {
			return false, err
		}
		con.Send(&irc.Message{Command: "AUTHENTICATE", Params: []string{"+"}})
		return false, nil
	}

	var resp []byte
	if arg != "+" {
		var err error
		resp, err = base64.StdEncoding.DecodeString(arg)
		if err != nil {
			con.tempSet(ctx, "sasl.mech", nil)
			return false, ircErrorf(irc.ERR_SASLFAIL, "*", "Invalid base64-encoded response")
		}
	}

	server := gosasl.NewPlainServer(gosasl.PlainAuthenticator(func(identity, username, password string) error {
		user, err := srv.Creds.AuthUser(ctx, username, password)
		if err != nil {
			return err
		}
		if user == nil {
			return ircErrorf(irc.ERR_PASSWDMISMATCH, "*", "Invalid username or password")
		}
		con.AuthUserID = user.ID
		return nil
	}))

	_, done, err := server.Next(resp)
	if err != nil {
		con.tempSet(ctx, "sasl.mech", nil)
		return false, ircErrorf(irc.ERR_SASLFAIL, "*", err.Error())
	}
	if !done {
		// This BNC's PLAIN flow always completes in one round trip; a
		// continuation request here indicates a client bug.
		return false, ircErrorf(irc.ERR_SASLFAIL, "*", "Unexpected SASL continuation")
	}

	con.tempSet(ctx, "sasl.mech", nil)
	if err := con.save(ctx); err != nil {
		return false, err
	}
	nick := nickOrStar(con)
	con.Send(numeric(con.ServerPrefix, nick, irc.RPL_LOGGEDIN, nick, "You are now logged in"))
	con.Send(numeric(con.ServerPrefix, nick, irc.RPL_SASLSUCCESS, "SASL authentication successful"))
	return false, nil
}
