package kiwibnc

import (
	"context"
	"strings"

	"gopkg.in/irc.v3"
)

// Downstream wraps the live socket side of an incoming client connection
// around its durable ConnectionState. It owns the verb dispatch entry
// point described in spec §4.2; ConnectionState itself stays transport-
// agnostic persisted data.
//
// Grounded on delthas-soju/downstream.go's downstreamConn, trimmed of
// the multi-network marshaling machinery that spec's single-network-per-
// connection model doesn't need.
type Downstream struct {
	*ConnectionState
	srv *Server
}

// NewDownstream wires a freshly loaded incoming ConnectionState into a
// Downstream and registers its self re-dispatch hook (used by CAP END to
// replay reg.queue).
func NewDownstream(srv *Server, state *ConnectionState) *Downstream {
	d := &Downstream{ConnectionState: state, srv: srv}
	d.SetDispatcher(d.dispatch)
	return d
}

// Run is the entry point named in spec §4.2: `run(msg, con)`.
func (d *Downstream) Run(ctx context.Context, msg *irc.Message) error {
	return d.dispatch(ctx, msg, false)
}

// regState models tempData["reg.state"] as a typed sub-record (spec §9
// "Temp scratch map": well-known keys get typed fields, the generic map
// is just the persistence convenience).
type regState struct {
	Nick string `json:"nick"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// dispatch implements spec §4.2's four-stage ordering.
func (d *Downstream) dispatch(ctx context.Context, msg *irc.Message, fromQueue bool) error {
	cmd := strings.ToUpper(msg.Command)

	// 1. Unconditional verbs: DEB, RELOAD, PING always execute.
	switch cmd {
	case "PING":
		token := "bnc"
		if len(msg.Params) > 0 {
			token = msg.Params[0]
		}
		d.Send(pongMessage(token))
		return nil
	case "DEB":
		return d.handleDeb(ctx, msg)
	case "RELOAD":
		d.srv.Handlers.Reload()
		return nil
	}

	// 2. CAP gate: while capping, only CAP itself and queue-replayed
	// lines may proceed; everything else is queued in arrival order.
	if !fromQueue {
		if _, capping := d.tempGet("capping"); capping && cmd != "CAP" {
			return d.enqueueRegLine(ctx, msg)
		}
	}

	allowedPreReg := cmd == "CAP" || cmd == "PASS" || cmd == "USER" || cmd == "NICK"

	// 3. Pre-registration gate.
	if !d.NetRegistered && !allowedPreReg {
		return nil
	}
	if !d.NetRegistered {
		if _, ok := d.tempGet("reg.state"); !ok {
			if err := d.tempSet(ctx, "reg.state", &regState{}); err != nil {
				return err
			}
		}
	}

	// 4. Dispatch through the pluggable handler table.
	forward, err := d.invoke(ctx, cmd, msg)
	if err != nil {
		return d.reportErr(ctx, err)
	}
	if forward {
		d.forwardUpstream(msg)
	}

	if !d.NetRegistered {
		return d.maybeProcessRegistration(ctx)
	}
	return nil
}

func (d *Downstream) invoke(ctx context.Context, cmd string, msg *irc.Message) (bool, error) {
	if h, ok := d.srv.Handlers.Verb(cmd); ok {
		return h(ctx, d.srv, d.ConnectionState, msg)
	}
	// Unknown verbs forward upstream by default (spec §4.2 rule 4); only
	// reachable once registered, since pre-registration already filtered
	// to the allowlisted four verbs, all of which are always registered.
	return true, nil
}

// reportErr translates the error kinds from spec §7 into wire responses
// or connection teardown.
func (d *Downstream) reportErr(ctx context.Context, err error) error {
	switch e := err.(type) {
	case *protocolError:
		d.Send(errorMessage(e.text))
		d.CloseSink()
		return nil
	case *numericError:
		d.Send(&irc.Message{
			Prefix:  &irc.Prefix{Name: d.ServerPrefix},
			Command: e.code,
			Params:  e.params,
		})
		return nil
	default:
		return err
	}
}

func (d *Downstream) nickOrStar() string {
	if d.Nick == "" {
		return "*"
	}
	return d.Nick
}

// enqueueRegLine appends msg's raw wire form to reg.queue, preserving
// arrival order (spec §4.2 rule 2).
func (d *Downstream) enqueueRegLine(ctx context.Context, msg *irc.Message) error {
	queue := d.getCapQueue()
	queue = append(queue, msg.String())
	return d.tempSet(ctx, "reg.queue", queue)
}

// forwardUpstream delivers msg verbatim to this downstream's bound
// upstream, if any is currently known. A downstream with no upstream yet
// (mid pre-registration or a transiently missing Registry entry) simply
// drops the line.
func (d *Downstream) forwardUpstream(msg *irc.Message) {
	up := d.srv.Registry.FindUsersOutgoingConnection(d.AuthUserID, d.AuthNetworkID)
	if up == nil {
		return
	}
	up.Send(msg)
}

// maybeProcessRegistration implements spec §4.2's gated completion check.
func (d *Downstream) maybeProcessRegistration(ctx context.Context) error {
	rs := regStateOf(d.ConnectionState)
	if rs == nil || rs.Nick == "" || rs.User == "" || rs.Pass == "" {
		return nil
	}
	if _, capping := d.tempGet("capping"); capping {
		return nil
	}

	username, networkName, password, ok := parsePassTriple(rs.Pass)
	if !ok {
		return d.authFail(ctx)
	}

	if networkName != "" {
		net, err := d.srv.Creds.AuthUserNetwork(ctx, username, password, networkName)
		if err != nil {
			return err
		}
		if net == nil {
			return d.authFail(ctx)
		}
		d.AuthUserID = net.UserID
		d.AuthNetworkID = net.ID
		d.AuthNetworkName = net.Name
		if err := d.save(ctx); err != nil {
			return err
		}
		if err := d.tempSet(ctx, "reg.state", nil); err != nil {
			return err
		}
		return d.srv.BindUpstream(ctx, d.ConnectionState, net.UserID, net.ID)
	}

	user, err := d.srv.Creds.AuthUser(ctx, username, password)
	if err != nil {
		return err
	}
	if user == nil {
		return d.authFail(ctx)
	}
	d.AuthUserID = user.ID
	if err := d.save(ctx); err != nil {
		return err
	}
	if err := d.tempSet(ctx, "reg.state", nil); err != nil {
		return err
	}
	d.registerLocalClient(ctx)
	d.Send(statusNotice(d.ServerPrefix, d.nickOrStar(), "Welcome to your BNC!"))
	return nil
}

func (d *Downstream) authFail(ctx context.Context) error {
	d.Send(errorMessage("Invalid password"))
	d.CloseSink()
	return nil
}

// registerLocalClient synthesizes a minimal local welcome burst for a
// user-only login with no bound network (spec §4.2's `registerLocalClient`
// external collaborator). There is no upstream to mirror a burst from, so
// this emits the standard four registration numerics directly.
func (d *Downstream) registerLocalClient(ctx context.Context) {
	nick := d.nickOrStar()
	d.Send(numeric(d.ServerPrefix, nick, irc.RPL_WELCOME, "Welcome to the bouncer, "+nick))
	d.Send(numeric(d.ServerPrefix, nick, irc.RPL_YOURHOST, "Your host is "+d.ServerPrefix))
	d.Send(numeric(d.ServerPrefix, nick, irc.RPL_CREATED, "This server was created a while ago"))
	d.Send(numeric(d.ServerPrefix, nick, irc.RPL_MYINFO, d.ServerPrefix, "kiwibnc", "", ""))
	d.NetRegistered = true
	_ = d.save(ctx)
}

// handleDeb is a debug verb: it echoes back the names of the
// connection's temp scratch keys in a single NOTICE line, useful when attached
// to a running process during development.
func (d *Downstream) handleDeb(ctx context.Context, msg *irc.Message) error {
	d.tempMu.Lock()
	keys := make([]string, 0, len(d.tempData))
	for k := range d.tempData {
		keys = append(keys, k)
	}
	d.tempMu.Unlock()
	d.Send(notice(d.ServerPrefix, d.nickOrStar(), "temp keys: "+strings.Join(keys, ", ")))
	return nil
}
