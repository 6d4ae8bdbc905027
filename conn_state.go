package kiwibnc

import (
	"context"
	"strings"
	"sync"

	"gopkg.in/irc.v3"
)

// OutputSink is the live transport a ConnectionState is currently attached
// to, if any. It is deliberately not part of the persisted record (spec
// §3 lists no transport handle): a connection can exist in storage with
// no live socket (a disconnected upstream waiting to be reopened), and a
// freshly dialed/accepted socket attaches its sink after loading.
type OutputSink interface {
	Send(msg *irc.Message)
	Close() error
}

// ConnType identifies what kind of socket a Connection represents.
type ConnType int

const (
	ConnTypeOutgoing ConnType = iota // upstream IRC server link
	ConnTypeIncoming                 // downstream client
	ConnTypeListener                 // server listener socket, tracked for bookkeeping only
)

// Buffer is a channel or private-message correspondent the user has state
// with: membership, topic, and whether we consider it a channel at all.
type Buffer struct {
	Name       string
	Key        string
	Joined     bool
	Topic      string
	IsChannel  bool
	LastSeenAt int64 // unix seconds, 0 if never
}

// SaslInfo is the SASL credential pair an upstream authenticates with.
type SaslInfo struct {
	Account  string
	Password string
}

// ConnectionState is the durable per-connection record described in spec
// §3. One exists per socket, incoming or outgoing. It is safe for
// concurrent read access from sibling goroutines (e.g. forEachClient
// fan-out reading Nick/Buffers) but is mutated only by its own connection's
// message loop, per §5's ordering guarantees. linkedMu protects
// LinkedIncomingConIDs, the one persisted field mutated from outside that
// loop; buffersMu, tempMu, sinkMu and dispatchMu guard the buffer map, the
// temp scratch map, the live sink and the re-dispatch hook respectively.
type ConnectionState struct {
	db Database

	ConID string
	Type  ConnType

	loaded        bool
	NetRegistered bool
	Connected     bool

	ServerPrefix string

	Nick        string
	Username    string
	Realname    string
	Account     string
	Password    string
	Host        string
	Port        int
	TLS         bool
	TLSVerify   bool
	BindHost    string

	SASL SaslInfo

	RegistrationLines []string
	ISupports         []string
	Caps              map[string]struct{}

	buffersMu sync.RWMutex
	buffers   map[string]*Buffer // keyed by lowercase name, invariant 5

	ReceivedMotd bool

	AuthUserID      int64
	AuthNetworkID   int64
	AuthNetworkName string
	AuthAdmin       bool

	linkedMu         sync.Mutex
	LinkedIncomingConIDs map[string]struct{}

	Logging bool

	tempMu   sync.Mutex
	tempData map[string]interface{}

	sinkMu sync.RWMutex
	sink   OutputSink

	dispatchMu sync.RWMutex
	dispatch   func(ctx context.Context, msg *irc.Message, fromQueue bool) error
}

// SetDispatcher attaches the connection's own re-entrant dispatch
// function, used by CAP END to replay reg.queue lines (spec §4.2) without
// the irc.go/conn_state.go layer needing to know about Downstream.
func (c *ConnectionState) SetDispatcher(f func(ctx context.Context, msg *irc.Message, fromQueue bool) error) {
	c.dispatchMu.Lock()
	c.dispatch = f
	c.dispatchMu.Unlock()
}

// Redispatch re-enters the owning connection's verb dispatch, used to
// replay a queued line with fromQueue=true.
func (c *ConnectionState) Redispatch(ctx context.Context, msg *irc.Message, fromQueue bool) error {
	c.dispatchMu.RLock()
	f := c.dispatch
	c.dispatchMu.RUnlock()
	if f == nil {
		return nil
	}
	return f(ctx, msg, fromQueue)
}

// SetSink attaches (or clears, with nil) the live transport for this
// connection. Called once by the accept/dial loop before the message
// loop starts, and again to nil it out on teardown.
func (c *ConnectionState) SetSink(sink OutputSink) {
	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()
}

// Send writes msg to the live transport, if one is currently attached.
// A connection with no attached sink (e.g. a disconnected upstream
// record still in the Registry) silently drops the write.
func (c *ConnectionState) Send(msg *irc.Message) {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink != nil {
		sink.Send(msg)
	}
}

// CloseSink tears down the live transport, if any.
func (c *ConnectionState) CloseSink() error {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink.Close()
}

// NewConnectionState creates a fresh, unloaded record for a newly
// accepted/dialed socket. Callers must call maybeLoad before using it.
func NewConnectionState(db Database, conID string, typ ConnType) *ConnectionState {
	return &ConnectionState{
		db:           db,
		ConID:        conID,
		Type:         typ,
		ServerPrefix: "bnc",
	}
}

// maybeLoad hydrates the record from storage exactly once.
func (c *ConnectionState) maybeLoad(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	return c.load(ctx)
}

// load replaces in-memory fields from the persisted row, or initializes
// defaults if no row exists for this conId.
func (c *ConnectionState) load(ctx context.Context) error {
	row, err := c.db.LoadConnection(ctx, c.ConID)
	if err != nil {
		return err
	}

	c.buffersMu.Lock()
	c.buffers = make(map[string]*Buffer)
	c.buffersMu.Unlock()
	c.tempMu.Lock()
	c.tempData = make(map[string]interface{})
	c.tempMu.Unlock()
	c.linkedMu.Lock()
	c.LinkedIncomingConIDs = make(map[string]struct{})
	c.linkedMu.Unlock()

	if row == nil {
		c.Logging = true
		c.Caps = make(map[string]struct{})
		c.ISupports = nil
		c.RegistrationLines = nil
		c.loaded = true
		return nil
	}

	c.Type = row.Type
	c.NetRegistered = row.NetRegistered
	c.Connected = row.Connected
	c.ServerPrefix = row.ServerPrefix
	c.Nick = row.Nick
	c.Username = row.Username
	c.Realname = row.Realname
	c.Account = row.Account
	c.Password = row.Password
	c.Host = row.Host
	c.Port = row.Port
	c.TLS = row.TLS
	c.TLSVerify = row.TLSVerify
	c.BindHost = row.BindHost
	c.SASL = row.SASL
	c.RegistrationLines = append([]string(nil), row.RegistrationLines...)
	c.ISupports = append([]string(nil), row.ISupports...)
	c.ReceivedMotd = row.ReceivedMotd
	c.AuthUserID = row.AuthUserID
	c.AuthNetworkID = row.AuthNetworkID
	c.AuthNetworkName = row.AuthNetworkName
	c.AuthAdmin = row.AuthAdmin
	c.Logging = row.Logging

	c.Caps = make(map[string]struct{}, len(row.Caps))
	for _, name := range row.Caps {
		c.Caps[name] = struct{}{}
	}

	c.linkedMu.Lock()
	for _, id := range row.LinkedIncomingConIDs {
		c.LinkedIncomingConIDs[id] = struct{}{}
	}
	c.linkedMu.Unlock()

	c.tempMu.Lock()
	for k, v := range row.TempData {
		c.tempData[k] = v
	}
	c.tempMu.Unlock()

	for _, b := range row.Buffers {
		b := b
		c.addBufferLocked(&b)
	}

	c.loaded = true
	return nil
}

// save performs an atomic insert-or-replace upsert of the entire record.
func (c *ConnectionState) save(ctx context.Context) error {
	row := c.snapshot()
	return c.db.SaveConnection(ctx, row)
}

// snapshot captures a consistent, storage-ready copy of the record.
func (c *ConnectionState) snapshot() *ConnectionRow {
	row := &ConnectionRow{
		ConID:             c.ConID,
		Type:              c.Type,
		NetRegistered:     c.NetRegistered,
		Connected:         c.Connected,
		ServerPrefix:      c.ServerPrefix,
		Nick:              c.Nick,
		Username:          c.Username,
		Realname:          c.Realname,
		Account:           c.Account,
		Password:          c.Password,
		Host:              c.Host,
		Port:              c.Port,
		TLS:               c.TLS,
		TLSVerify:         c.TLSVerify,
		BindHost:          c.BindHost,
		SASL:              c.SASL,
		RegistrationLines: append([]string(nil), c.RegistrationLines...),
		ISupports:         append([]string(nil), c.ISupports...),
		ReceivedMotd:      c.ReceivedMotd,
		AuthUserID:        c.AuthUserID,
		AuthNetworkID:     c.AuthNetworkID,
		AuthNetworkName:   c.AuthNetworkName,
		AuthAdmin:         c.AuthAdmin,
		Logging:           c.Logging,
	}

	for name := range c.Caps {
		row.Caps = append(row.Caps, name)
	}

	c.linkedMu.Lock()
	for id := range c.LinkedIncomingConIDs {
		row.LinkedIncomingConIDs = append(row.LinkedIncomingConIDs, id)
	}
	c.linkedMu.Unlock()

	c.buffersMu.RLock()
	for _, b := range c.buffers {
		row.Buffers = append(row.Buffers, *b)
	}
	c.buffersMu.RUnlock()

	c.tempMu.Lock()
	row.TempData = make(map[string]interface{}, len(c.tempData))
	for k, v := range c.tempData {
		row.TempData[k] = v
	}
	c.tempMu.Unlock()

	return row
}

// destroy removes the persisted row for this connection.
func (c *ConnectionState) destroy(ctx context.Context) error {
	return c.db.DeleteConnection(ctx, c.ConID)
}

// tempGet reads a scratch value. ok is false if the key is absent.
func (c *ConnectionState) tempGet(key string) (interface{}, bool) {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	if c.tempData == nil {
		return nil, false
	}
	v, ok := c.tempData[key]
	return v, ok
}

// tempSet writes a single key, or deletes it if value is nil, then
// persists the change. Every tempSet triggers a save(), per spec §4.1.
func (c *ConnectionState) tempSet(ctx context.Context, key string, value interface{}) error {
	return c.tempSetMany(ctx, map[string]interface{}{key: value})
}

// tempSetMany applies a batch of key→value writes atomically (in memory)
// before the single resulting save().
func (c *ConnectionState) tempSetMany(ctx context.Context, kv map[string]interface{}) error {
	c.tempMu.Lock()
	if c.tempData == nil {
		c.tempData = make(map[string]interface{})
	}
	for k, v := range kv {
		if v == nil {
			delete(c.tempData, k)
		} else {
			c.tempData[k] = v
		}
	}
	c.tempMu.Unlock()
	return c.save(ctx)
}

func bufferKey(name string) string {
	return strings.ToLower(name)
}

// getBuffer looks up a buffer case-insensitively.
func (c *ConnectionState) getBuffer(name string) *Buffer {
	c.buffersMu.RLock()
	defer c.buffersMu.RUnlock()
	if c.buffers == nil {
		return nil
	}
	return c.buffers[bufferKey(name)]
}

// addBuffer inserts or replaces a buffer, keyed by its lowercased name.
func (c *ConnectionState) addBuffer(b *Buffer) {
	c.buffersMu.Lock()
	defer c.buffersMu.Unlock()
	c.addBufferLocked(b)
}

func (c *ConnectionState) addBufferLocked(b *Buffer) {
	if c.buffers == nil {
		c.buffers = make(map[string]*Buffer)
	}
	c.buffers[bufferKey(b.Name)] = b
}

// getOrAddBuffer returns the existing buffer for name, or creates one.
// isChannelHint sets IsChannel on a newly created buffer; callers derive
// it from the upstream's ISUPPORT tokens via isChannelName, or pass true.
func (c *ConnectionState) getOrAddBuffer(name string, isChannelHint bool) *Buffer {
	c.buffersMu.Lock()
	defer c.buffersMu.Unlock()
	if b, ok := c.buffers[bufferKey(name)]; ok {
		return b
	}
	b := &Buffer{Name: name, IsChannel: isChannelHint}
	c.addBufferLocked(b)
	return b
}

// delBuffer removes a buffer case-insensitively.
func (c *ConnectionState) delBuffer(name string) {
	c.buffersMu.Lock()
	defer c.buffersMu.Unlock()
	delete(c.buffers, bufferKey(name))
}

// forEachBuffer iterates all buffers in an unspecified order.
func (c *ConnectionState) forEachBuffer(f func(*Buffer)) {
	c.buffersMu.RLock()
	defer c.buffersMu.RUnlock()
	for _, b := range c.buffers {
		f(b)
	}
}

// renameBuffer moves a buffer to a new name. If a buffer already exists
// at the new name, that existing buffer is returned unchanged (no-op
// merge) per spec §4.1; otherwise the entry is moved under the new
// lowercase key and its Name field updated.
func (c *ConnectionState) renameBuffer(oldName, newName string) *Buffer {
	c.buffersMu.Lock()
	defer c.buffersMu.Unlock()

	if existing, ok := c.buffers[bufferKey(newName)]; ok {
		return existing
	}

	b, ok := c.buffers[bufferKey(oldName)]
	if !ok {
		return nil
	}
	delete(c.buffers, bufferKey(oldName))
	b.Name = newName
	c.buffers[bufferKey(newName)] = b
	return b
}

// linkIncomingConnection records that an incoming client is attached to
// this (upstream) connection, then persists the change.
func (c *ConnectionState) linkIncomingConnection(ctx context.Context, id string) error {
	c.linkedMu.Lock()
	if c.LinkedIncomingConIDs == nil {
		c.LinkedIncomingConIDs = make(map[string]struct{})
	}
	c.LinkedIncomingConIDs[id] = struct{}{}
	c.linkedMu.Unlock()
	return c.save(ctx)
}

// unlinkIncomingConnection reverses linkIncomingConnection.
func (c *ConnectionState) unlinkIncomingConnection(ctx context.Context, id string) error {
	c.linkedMu.Lock()
	delete(c.LinkedIncomingConIDs, id)
	c.linkedMu.Unlock()
	return c.save(ctx)
}

// isLinked reports whether id is currently attached to this upstream.
func (c *ConnectionState) isLinked(id string) bool {
	c.linkedMu.Lock()
	defer c.linkedMu.Unlock()
	_, ok := c.LinkedIncomingConIDs[id]
	return ok
}

// linkedCount returns the number of attached downstream connections.
func (c *ConnectionState) linkedCount() int {
	c.linkedMu.Lock()
	defer c.linkedMu.Unlock()
	return len(c.LinkedIncomingConIDs)
}

// loadConnectionInfo resolves network metadata for an upstream connection
// from the user store, per spec §4.1. bindHost precedence: the network's
// own bind_host if set, else the owning user's bind_host. If the network
// has been deleted, transport fields are cleared, but Nick is preserved
// when the connection is already live (IRC-side state outlives the DB
// record until the socket itself is torn down).
func (c *ConnectionState) loadConnectionInfo(ctx context.Context, creds CredentialStore) error {
	net, err := creds.GetNetwork(ctx, c.AuthNetworkID)
	if err != nil {
		return err
	}
	if net == nil {
		c.Host = ""
		c.Port = 0
		c.TLS = false
		c.TLSVerify = false
		c.BindHost = ""
		c.Password = ""
		if !c.Connected {
			c.Nick = ""
		}
		return nil
	}

	user, err := creds.GetUser(ctx, net.UserID)
	if err != nil {
		return err
	}

	c.Host = net.Host
	c.Port = net.Port
	c.TLS = net.TLS
	c.TLSVerify = net.TLSVerify
	c.Username = net.Username
	c.Realname = net.Realname
	c.Password = net.Password
	c.SASL = SaslInfo{Account: net.SASLAccount, Password: net.SASLPassword}
	c.AuthNetworkName = net.Name

	if net.BindHost != "" {
		c.BindHost = net.BindHost
	} else if user != nil {
		c.BindHost = user.BindHost
	} else {
		c.BindHost = ""
	}

	if c.Nick == "" {
		c.Nick = net.Nick
	}

	return nil
}
