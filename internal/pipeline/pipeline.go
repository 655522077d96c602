// Package pipeline implements the command pipeline (C6): a FIFO of pending
// commands, each tagged with the handler that consumes its reply, flushed
// in batches and drained in issue order (RFC 2920).
//
// Pipeline itself is policy-free: it writes whatever batch it is given and
// reads exactly that many replies back, in order. Deciding *which* commands
// may share a batch (MAIL/RCPT/RSET only, never across EHLO/DATA/STARTTLS/
// AUTH/NOOP/QUIT, and never at all when PIPELINING was not advertised) is
// the caller's responsibility — internal/transaction and internal/engine —
// because that policy depends on protocol state those packages own.
package pipeline

import "github.com/submitkit/smtpsubmit/internal/proto"

// Cmd is one command line paired with the handler that will receive its
// reply.
type Cmd struct {
	Text   string
	Handle func(proto.Reply, error)
}

// Pipeline batches writes and matches replies to commands by position
// (spec property P3).
type Pipeline struct {
	conn     *proto.Conn
	enhanced bool
}

// New wraps conn. enhancedStatusCodes should reflect whether
// ENHANCEDSTATUSCODES has been negotiated, so replies parse out their
// enhanced code.
func New(conn *proto.Conn, enhancedStatusCodes bool) *Pipeline {
	return &Pipeline{conn: conn, enhanced: enhancedStatusCodes}
}

// SetEnhanced updates whether enhanced status codes are expected in
// replies; capability state can change after a fresh EHLO (post-STARTTLS,
// post-AUTH).
func (p *Pipeline) SetEnhanced(v bool) { p.enhanced = v }

// Flush writes every command in cmds as its own CRLF line, flushes the
// connection once, then reads len(cmds) replies in order, calling each
// command's Handle with its reply. If a read fails partway through, the
// remaining handlers are still invoked, with the same error and a zero
// Reply, so callers can record a consistent failure status for every
// command in the batch rather than leaving some "pending" forever.
func (p *Pipeline) Flush(cmds []Cmd) error {
	for _, cmd := range cmds {
		if err := p.conn.WriteLine(cmd.Text); err != nil {
			return err
		}
	}
	if err := p.conn.Flush(); err != nil {
		for _, cmd := range cmds {
			cmd.Handle(proto.Reply{}, err)
		}
		return err
	}

	var firstErr error
	for _, cmd := range cmds {
		if firstErr != nil {
			cmd.Handle(proto.Reply{}, firstErr)
			continue
		}
		reply, err := p.conn.ReadReply(p.enhanced)
		if err != nil {
			firstErr = err
			cmd.Handle(proto.Reply{}, err)
			continue
		}
		cmd.Handle(reply, nil)
	}
	return firstErr
}

// RawWrite buffers raw bytes directly onto the underlying connection,
// bypassing command/reply bookkeeping. It exists for the DATA payload,
// which is not a command and gets no reply of its own: the caller streams
// the body through RawWrite and then uses Sync to send the terminating "."
// line and read the final response, so the payload and the terminator are
// flushed together.
func (p *Pipeline) RawWrite(b []byte) (int, error) {
	return p.conn.Write(b)
}

// AbortData closes out an open DATA block that a caller needs to abandon
// partway through streaming the payload. RFC 5321 gives no way to cancel
// DATA outright: anything written after the 354 reply is read as body
// content until a terminator line arrives, so even RSET would be
// swallowed as data rather than recognized as a command. AbortData writes
// a terminator guaranteed to start on its own line, reads the (likely
// error) reply that draws, then issues RSET to clear transaction state.
func (p *Pipeline) AbortData() error {
	if _, err := p.conn.Write([]byte("\r\n.\r\n")); err != nil {
		return err
	}
	if err := p.conn.Flush(); err != nil {
		return err
	}
	if _, err := p.conn.ReadReply(p.enhanced); err != nil {
		return err
	}
	return p.Sync("RSET", func(proto.Reply, error) {})
}

// Sync issues a single command and waits for its reply; a shorthand for
// Flush with a one-element batch, used for commands that RFC 2920 requires
// to be synchronization points (EHLO/HELO, DATA, STARTTLS, AUTH, QUIT,
// NOOP, TURN).
func (p *Pipeline) Sync(text string, handle func(proto.Reply, error)) error {
	return p.Flush([]Cmd{{Text: text, Handle: handle}})
}
