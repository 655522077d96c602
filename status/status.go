// Package status implements the structured status surface (C10) shared by
// the session, each message and each recipient. It exists as its own
// package, rather than living on the public Session/Message/Recipient
// types, so that the internal protocol engine packages can produce and
// compare statuses without importing the root package.
package status

import "fmt"

// Class classifies a Status for branching purposes. It never overrides the
// Code/Enhanced/Text fields; it is a derived summary.
type Class int

const (
	// Pending means the level this status belongs to was never evaluated
	// (e.g. every message and recipient of a session that aborted before
	// its transactions, such as on an EHLO, STARTTLS or AUTH failure).
	Pending Class = iota
	OK
	TransientFailure
	PermanentFailure
	ProtocolError
	LocalError
)

func (c Class) String() string {
	switch c {
	case Pending:
		return "pending"
	case OK:
		return "ok"
	case TransientFailure:
		return "transient-failure"
	case PermanentFailure:
		return "permanent-failure"
	case ProtocolError:
		return "protocol-error"
	case LocalError:
		return "local-error"
	default:
		return "unknown"
	}
}

// Status is the (code, enhanced status, text, classification) tuple from
// spec §3.
type Status struct {
	Code     int    // SMTP 3-digit reply code, or 0 for local/protocol errors
	Enhanced string // "class.subject.detail", "" if not advertised/applicable
	Text     string
	Class    Class
}

func (s Status) String() string {
	if s.Enhanced != "" {
		return fmt.Sprintf("%d %s %s", s.Code, s.Enhanced, s.Text)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Text)
}

// IsOK reports whether the status is a 2xx success.
func (s Status) IsOK() bool { return s.Class == OK }

// Zero is the Pending status assigned to everything at creation time.
var Zero = Status{Class: Pending}

// FromReply classifies an SMTP reply by its numeric code, per the table in
// spec §4.10: 2xx -> ok, 3xx -> ok (an intermediate reply such as 354
// after DATA counts as success of that command), 4xx -> transient,
// 5xx -> permanent. Any other leading digit is a protocol error.
func FromReply(code int, enhanced, text string) Status {
	var class Class
	switch {
	case code >= 200 && code < 300:
		class = OK
	case code >= 300 && code < 400:
		// 3xx is only ever seen mid-transaction (354 for DATA); treat it
		// as ok for the purpose of "did this command succeed".
		class = OK
	case code >= 400 && code < 500:
		class = TransientFailure
	case code >= 500 && code < 600:
		class = PermanentFailure
	default:
		class = ProtocolError
	}
	return Status{Code: code, Enhanced: enhanced, Text: text, Class: class}
}

// Local builds a local-error status (DNS/socket/TLS failure, per spec §7).
// Code 000 is used since no SMTP reply was ever received.
func Local(text string) Status {
	return Status{Code: 0, Text: text, Class: LocalError}
}

// Protocol builds a protocol-error status (malformed reply, missing
// required extension, 8-bit body on a 7-bit channel).
func Protocol(text string) Status {
	return Status{Code: 0, Text: text, Class: ProtocolError}
}

// Timeout builds the transient-failure status mandated for a reply that
// never arrived within the configured deadline (spec §4.10: "code 000").
func Timeout(text string) Status {
	return Status{Code: 0, Text: text, Class: TransientFailure}
}

// NotAttempted builds the status recorded for a recipient or message that
// was never sent to the server because an earlier failure in the same
// transaction (reverse path rejection, no accepted recipient) preempted it.
// A session-level abort (EHLO, STARTTLS or AUTH failure) does not use it:
// the messages and recipients of such a session keep the Pending status.
func NotAttempted(reason string) Status {
	return Status{Code: 0, Text: reason, Class: PermanentFailure}
}
