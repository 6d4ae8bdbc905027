package kiwibnc

import (
	"net"
	"sync"

	"gopkg.in/irc.v3"
)

// socketSink adapts a net.Conn into an OutputSink, serializing writes
// through a buffered outgoing channel and a dedicated writer goroutine so
// that Send from any goroutine never blocks on the network directly.
//
// Grounded on delthas-soju/downstream.go's downstreamConn outgoing
// channel + writeMessages goroutine, generalized into a shared type used
// by both Downstream and Upstream sockets.
type socketSink struct {
	conn    net.Conn
	ircConn *irc.Conn

	outgoing chan *irc.Message
	closed   chan struct{}
	once     sync.Once
}

func newSocketSink(conn net.Conn) *socketSink {
	s := &socketSink{
		conn:     conn,
		ircConn:  irc.NewConn(conn),
		outgoing: make(chan *irc.Message, 64),
		closed:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *socketSink) writeLoop() {
	for {
		select {
		case msg, ok := <-s.outgoing:
			if !ok {
				return
			}
			if err := s.ircConn.WriteMessage(msg); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Send enqueues msg for delivery; a closed sink silently drops it (spec
// §5: a connection close cancels in-flight work at its next suspension
// point, and a write to a dead socket is exactly such a point).
func (s *socketSink) Send(msg *irc.Message) {
	select {
	case s.outgoing <- msg:
	case <-s.closed:
	}
}

func (s *socketSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return s.conn.Close()
}

// ReadMessage blocks for the next parsed inbound line, or returns an
// error once the socket is closed or errors.
func (s *socketSink) ReadMessage() (*irc.Message, error) {
	return s.ircConn.ReadMessage()
}
