package kiwibnc

import (
	"io"
	"log"
)

// Logger is the ambient structured-logging interface every package-level
// component (Server, Upstream, MsgStore) logs through, rather than
// calling the log package directly. Grounded on the teacher's own
// Logger/Debugf split: Printf is always emitted, Debugf only under
// -debug.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

type stdLogger struct {
	*log.Logger
	debug bool
}

func (l stdLogger) Debugf(format string, v ...interface{}) {
	if !l.debug {
		return
	}
	l.Logger.Printf(format, v...)
}

// NewLogger builds a Logger writing to out, with Debugf lines gated
// behind debug.
func NewLogger(out io.Writer, debug bool) Logger {
	return stdLogger{
		Logger: log.New(out, "", log.LstdFlags),
		debug:  debug,
	}
}

// prefixLogger decorates every line from an inner Logger with a fixed
// prefix, used per-listener (Server.Serve) so log output reads like
// "listener :6667: accept error...".
type prefixLogger struct {
	logger Logger
	prefix string
}

var _ Logger = (*prefixLogger)(nil)

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Printf("%v"+format, v...)
}

func (l *prefixLogger) Debugf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Debugf("%v"+format, v...)
}
