package kiwibnc

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/irc.v3"
)

// passTripleRe parses the BNC password format described in spec §6:
// user[/network][:password]. Adapted from delthas-soju's parseMessageParams
// idiom but specific to this one field.
var passTripleRe = regexp.MustCompile(`^([^/:]+)(?:/([^:]+))?(?::(.*))?$`)

// parsePassTriple splits a PASS argument into (username, networkName,
// password). ok is false if arg doesn't match the expected shape at all:
// an empty arg, one starting with '/' or ':', or a '/' not followed by a
// network name (e.g. "alice/" or "alice/:pass").
func parsePassTriple(arg string) (username, networkName, password string, ok bool) {
	m := passTripleRe.FindStringSubmatch(arg)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// parseMessageParams copies msg.Params positionally into out, erroring if
// msg doesn't carry enough parameters. A nil entry in out skips that
// position. Grounded on delthas-soju/irc.go's helper of the same name.
func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return ircErrorf(irc.ERR_NEEDMOREPARAMS, "*", msg.Command, "Not enough parameters")
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// protocolError is a client-facing ERROR line kind 1 from spec §7:
// reported as a synthetic ERROR line followed by closing the socket.
type protocolError struct {
	text string
}

func (e *protocolError) Error() string { return e.text }

func protoErrorf(format string, args ...interface{}) error {
	return &protocolError{text: fmt.Sprintf(format, args...)}
}

// ircErrorf builds a numeric-reply error as a Go error; dispatch code
// catches it and writes the numeric instead of closing the connection
// (spec §7 kind 3 and unrecognized-command replies are numerics, not
// closes). params is the full parameter list after the numeric code,
// e.g. ("*", "CAP", "Not enough parameters").
type numericError struct {
	code   string
	params []string
}

func (e *numericError) Error() string {
	return e.code + " " + strings.Join(e.params, " ")
}

func ircErrorf(code string, params ...string) error {
	return &numericError{code: code, params: params}
}

// numeric builds a server-origin numeric reply line addressed to nick.
func numeric(prefix, nick, code string, params ...string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: prefix},
		Command: code,
		Params:  append([]string{nick}, params...),
	}
}

// notice builds a NOTICE from `from` to `target`.
func notice(from, target, text string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: from},
		Command: "NOTICE",
		Params:  []string{target, text},
	}
}

// statusNotice is the "status messages delivered as PRIVMSG from source
// bnc" convention named in spec §6.
func statusNotice(serverPrefix, nick, text string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: serverPrefix},
		Command: "PRIVMSG",
		Params:  []string{nick, text},
	}
}

// nickMessage builds a `:old NICK :new` line, used to echo a NICK back
// to the client that just set it pre-registration.
func nickMessage(oldNick, newNick string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: oldNick},
		Command: "NICK",
		Params:  []string{newNick},
	}
}

func errorMessage(text string) *irc.Message {
	return &irc.Message{Command: "ERROR", Params: []string{text}}
}

func pingMessage(token string) *irc.Message {
	return &irc.Message{Command: "PING", Params: []string{token}}
}

func pongMessage(token string) *irc.Message {
	return &irc.Message{Command: "PONG", Params: []string{token}}
}

// defaultChanTypes is the initial value isChannelName starts from. It is
// replaced as soon as an ISUPPORT CHANTYPES token is found; when none is
// found isChannelName returns true without consulting it (spec §3:
// Buffer.isChannel "if no upstream context is available, default true").
const defaultChanTypes = "#&"

// isChannelName reports whether name looks like a channel per the
// upstream's CHANTYPES isupport token, falling back to true when no
// isupport context is available yet.
func isChannelName(isupports []string, name string) bool {
	if name == "" {
		return true
	}
	chanTypes := defaultChanTypes
	found := false
	for _, tok := range isupports {
		if v, ok := isupportValue(tok, "CHANTYPES"); ok {
			chanTypes = v
			found = true
			break
		}
	}
	if !found {
		return true
	}
	return strings.IndexByte(chanTypes, name[0]) >= 0
}

// isupportValue extracts VALUE from a raw "KEY=VALUE" isupport token if
// tok's key matches want (case-sensitive, per RFC).
func isupportValue(tok, want string) (string, bool) {
	key, value, hasValue := strings.Cut(tok, "=")
	if key != want {
		return "", false
	}
	if !hasValue {
		return "", true
	}
	return value, true
}

// joinCaps space-joins capability names for CAP LS/ACK replies.
func joinCaps(caps []string) string {
	return strings.Join(caps, " ")
}

// splitCapList splits a CAP REQ/LS argument on runs of whitespace,
// skipping empty fields.
func splitCapList(s string) []string {
	fields := strings.Fields(s)
	return fields
}

// encodeTags renders a BOUNCER response's data as IRC message tags, per
// spec §4.4's "encoded message tags {network, buffer, joined, topic}".
func encodeTags(kv map[string]string) irc.Tags {
	tags := make(irc.Tags, len(kv))
	for k, v := range kv {
		tags[k] = irc.TagValue(v)
	}
	return tags
}

func boolTag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
