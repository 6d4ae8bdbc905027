package kiwibnc

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	mathrand "math/rand"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"gopkg.in/irc.v3"
)

// Upstream wraps the live socket side of an outgoing connection to an
// IRC network around its durable ConnectionState, the "outgoing upstream
// IRC server link" of spec §3.
//
// Grounded on delthas-soju/upstream.go's upstreamConn, trimmed to this
// spec's single-network-per-connection model: no per-channel membership
// tracking beyond the Buffer list already on ConnectionState.
type Upstream struct {
	*ConnectionState
	srv  *Server
	sink *socketSink
}

// BindUpstream implements the Upstream Binder (spec §4.3): given a
// freshly authenticated downstream and the (userId, networkId) it
// resolved to, find or create the corresponding upstream and link the
// downstream to it.
func (srv *Server) BindUpstream(ctx context.Context, dc *ConnectionState, userID, networkID int64) error {
	up := srv.Registry.FindUsersOutgoingConnection(userID, networkID)

	if up != nil && up.Connected {
		dc.Send(statusNotice(dc.ServerPrefix, nickOrStar(dc), "Attaching you to the network"))
		if err := dc.linkIncomingConnection(ctx, dc.ConID); err != nil {
			return err
		}
		up.linkIncomingConnection(ctx, dc.ConID)
		if up.NetRegistered {
			srv.registerClient(ctx, up, dc)
		}
		return nil
	}

	if up != nil {
		dc.Send(statusNotice(dc.ServerPrefix, nickOrStar(dc), "Connecting to the network.."))
		if err := dc.linkIncomingConnection(ctx, dc.ConID); err != nil {
			return err
		}
		up.linkIncomingConnection(ctx, dc.ConID)
		return srv.openUpstream(ctx, up)
	}

	dc.Send(statusNotice(dc.ServerPrefix, nickOrStar(dc), "Connecting to the network.."))
	newUp, err := srv.makeUpstream(ctx, userID, networkID)
	if err != nil {
		return err
	}
	if err := dc.linkIncomingConnection(ctx, dc.ConID); err != nil {
		return err
	}
	newUp.linkIncomingConnection(ctx, dc.ConID)
	return srv.openUpstream(ctx, newUp)
}

// makeUpstream creates a fresh outgoing ConnectionState for (userID,
// networkID), loads its transport parameters from the credential store,
// and registers it in the Registry, without yet dialing.
func (srv *Server) makeUpstream(ctx context.Context, userID, networkID int64) (*ConnectionState, error) {
	conID := fmt.Sprintf("up-%d-%d", userID, networkID)
	state := NewConnectionState(srv.DB, conID, ConnTypeOutgoing)
	if err := state.maybeLoad(ctx); err != nil {
		return nil, err
	}
	state.AuthUserID = userID
	state.AuthNetworkID = networkID
	if err := state.loadConnectionInfo(ctx, srv.Creds); err != nil {
		return nil, err
	}
	srv.Registry.Add(state)
	srv.Registry.RegisterUpstreamAuth(state)
	return state, nil
}

// openUpstream dials an upstream that exists in the Registry but is not
// currently connected. Dial failure is not an error from the caller's
// perspective (spec §5): the binder treats it as "not connected" and
// surfaces it via a status NOTICE to every linked downstream. A failed
// dial is retried with the teacher's own min/max/jitter backoff shape
// (SPEC_FULL.md §4.3.E) rather than giving up after one attempt, as long
// as at least one downstream remains attached.
func (srv *Server) openUpstream(ctx context.Context, state *ConnectionState) error {
	go srv.reconnectLoop(state)
	return nil
}

func (srv *Server) reconnectLoop(state *ConnectionState) {
	delay := retryConnectMinDelay
	for {
		err := srv.dialAndRun(state)
		if err == nil {
			return // readLoop only returns nil; a real session ran to completion
		}

		srv.Logger.Printf("upstream %s: dial failed: %v", state.ConID, err)
		state.forEachClient(srv.Registry, func(dc *ConnectionState) {
			dc.Send(statusNotice(dc.ServerPrefix, nickOrStar(dc), "Could not connect: "+err.Error()))
		}, "")

		if state.linkedCount() == 0 {
			return
		}

		jitter := time.Duration(0)
		if retryConnectJitter > 0 {
			jitter = time.Duration(mathrand.Int63n(int64(retryConnectJitter)))
		}
		time.Sleep(delay + jitter)

		delay *= 2
		if delay > retryConnectMaxDelay {
			delay = retryConnectMaxDelay
		}
	}
}

func (srv *Server) dialAndRun(state *ConnectionState) error {
	ctx := context.Background()
	addr := net.JoinHostPort(state.Host, strconv.Itoa(state.Port))

	dialer := &net.Dialer{Timeout: connectTimeout}
	if state.BindHost != "" {
		if laddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(state.BindHost, "0")); err == nil {
			dialer.LocalAddr = laddr
		}
	}

	var conn net.Conn
	var err error
	if state.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: !state.TLSVerify})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return err
	}

	sink := newSocketSink(conn)
	state.SetSink(sink)
	state.Connected = true
	state.RegistrationLines = nil
	state.ReceivedMotd = false
	if err := state.save(ctx); err != nil {
		conn.Close()
		return err
	}

	u := &Upstream{ConnectionState: state, srv: srv, sink: sink}
	u.sendRegistration()

	srv.metrics.upstreams.Add(1)
	defer srv.metrics.upstreams.Add(-1)

	return u.readLoop(ctx)
}

// sendOut is Send plus the upstreamOutMessagesTotal bookkeeping the
// teacher does at its own upstream write sites.
func (u *Upstream) sendOut(msg *irc.Message) {
	u.srv.metrics.upstreamOutMessagesTotal.Inc()
	u.Send(msg)
}

func (u *Upstream) sendRegistration() {
	if u.SASL.Account != "" {
		u.sendOut(&irc.Message{Command: "CAP", Params: []string{"REQ", "sasl"}})
	}
	if u.Password != "" {
		u.sendOut(&irc.Message{Command: "PASS", Params: []string{u.Password}})
	}
	nick := u.Nick
	if nick == "" {
		nick = u.Username
	}
	u.sendOut(&irc.Message{Command: "NICK", Params: []string{nick}})
	username := u.Username
	if username == "" {
		username = nick
	}
	realname := u.Realname
	if realname == "" {
		realname = username
	}
	u.sendOut(&irc.Message{Command: "USER", Params: []string{username, "0", "*", realname}})
}

// readLoop consumes inbound lines from the upstream until it closes,
// capturing the pre-MOTD registration burst and routing everything else
// through handleUpstreamLine.
func (u *Upstream) readLoop(ctx context.Context) error {
	defer func() {
		u.Connected = false
		_ = u.save(ctx)
		u.forEachClient(u.srv.Registry, func(dc *ConnectionState) {
			dc.Send(statusNotice(dc.ServerPrefix, nickOrStar(dc), "Disconnected from the network"))
		}, "")
	}()

	for {
		msg, err := u.sink.ReadMessage()
		if err != nil {
			return nil
		}
		u.srv.metrics.upstreamInMessagesTotal.Inc()
		if err := u.handleLine(ctx, msg); err != nil {
			u.srv.Logger.Printf("upstream %s: %v", u.ConID, err)
		}
	}
}

func (u *Upstream) handleLine(ctx context.Context, msg *irc.Message) error {
	if !u.ReceivedMotd {
		u.RegistrationLines = append(u.RegistrationLines, msg.String())
	}

	switch msg.Command {
	case "AUTHENTICATE":
		return u.handleAuthenticate(ctx, msg)
	case irc.RPL_WELCOME:
		if len(msg.Params) > 0 {
			u.Nick = msg.Params[0]
		}
	case irc.RPL_ISUPPORT:
		if len(msg.Params) > 1 {
			u.ISupports = append(u.ISupports, msg.Params[1:len(msg.Params)-1]...)
		}
	case irc.RPL_ENDOFMOTD, irc.ERR_NOMOTD:
		u.ReceivedMotd = true
		u.NetRegistered = true
		if err := u.save(ctx); err != nil {
			return err
		}
		u.forEachClient(u.srv.Registry, func(dc *ConnectionState) {
			u.srv.registerClient(ctx, u.ConnectionState, dc)
		}, "")
		return nil
	case "PING":
		if len(msg.Params) > 0 {
			u.sendOut(pongMessage(msg.Params[0]))
		}
		return nil
	case "JOIN":
		if len(msg.Params) > 0 {
			b := u.getOrAddBuffer(msg.Params[0], isChannelName(u.ISupports, msg.Params[0]))
			b.Joined = true
		}
	case "PART":
		if len(msg.Params) > 0 {
			if b := u.getBuffer(msg.Params[0]); b != nil {
				b.Joined = false
			}
		}
	case "TOPIC":
		if len(msg.Params) > 1 {
			b := u.getOrAddBuffer(msg.Params[0], true)
			b.Topic = msg.Params[1]
		}
	case "PRIVMSG", "NOTICE":
		if len(msg.Params) > 0 {
			target := msg.Params[0]
			if target == u.Nick && msg.Prefix != nil {
				target = msg.Prefix.Name
			}
			b := u.getOrAddBuffer(target, isChannelName(u.ISupports, target))
			_ = b
		}
	}

	fwd := *msg
	u.forEachClient(u.srv.Registry, func(dc *ConnectionState) {
		dc.Send(&fwd)
		u.srv.metrics.downstreamOutMessagesTotal.Inc()
	}, "")

	if u.srv.MsgStore != nil && u.Logging && (msg.Command == "PRIVMSG" || msg.Command == "NOTICE") && len(msg.Params) > 1 {
		u.srv.MsgStore.Append(u.AuthUserID, u.AuthNetworkID, msg.Command, msg.Params[0], msg.Params[1])
	}

	return nil
}

// handleAuthenticate drives the SASL PLAIN exchange described in spec
// §4.2.E2: a single-step base64(\0account\0password) response to an
// AUTHENTICATE + challenge.
func (u *Upstream) handleAuthenticate(ctx context.Context, msg *irc.Message) error {
	if len(msg.Params) == 0 || msg.Params[0] != "+" {
		return nil
	}
	client := sasl.NewPlainClient("", u.SASL.Account, u.SASL.Password)
	_, resp, err := client.Start()
	if err != nil {
		return err
	}
	u.sendOut(&irc.Message{Command: "AUTHENTICATE", Params: []string{encodeSASLResponse(resp)}})
	u.sendOut(&irc.Message{Command: "CAP", Params: []string{"END"}})
	return nil
}

func encodeSASLResponse(b []byte) string {
	if len(b) == 0 {
		return "+"
	}
	return base64.StdEncoding.EncodeToString(b)
}

// registerClient replays the upstream's stored registrationLines (the
// 001..MOTD burst, ISUPPORT lines included) to a newly (re)attaching
// downstream and marks it registered (spec §4.3). It sends no JOIN, TOPIC
// or NAMES lines for the upstream's current channels.
func (srv *Server) registerClient(ctx context.Context, up *ConnectionState, dc *ConnectionState) {
	for _, line := range up.RegistrationLines {
		msg, err := irc.ParseMessage(line)
		if err != nil {
			continue
		}
		dc.Send(msg)
	}
	dc.NetRegistered = true
	_ = dc.save(ctx)
}
