// Package source implements the message source (C4): it wraps the
// application's body producer, repairs RFC 5322 headers, and rewrites the
// outgoing bytes to be CRLF-canonical and dot-stuffed. It does not convert
// 8-bit octets: if the server lacks 8BITMIME, a body containing one is
// refused.
package source

import (
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/submitkit/smtpsubmit/framework/buffer"
)

// Source adapts an application-supplied header table and body buffer into
// the canonical stream the DATA phase puts on the wire.
type Source struct {
	Header textproto.Header
	Body   buffer.Buffer
}

// New builds a Source, performing header repair immediately (so that a
// caller inspecting Header afterwards sees the final, synthesized set).
// ehloIdentity is used as the domain part of a synthesized Message-Id/From.
func New(header textproto.Header, body buffer.Buffer, ehloIdentity string, now time.Time) *Source {
	repairHeader(&header, ehloIdentity, now)
	return &Source{Header: header, Body: body}
}

// Prepass streams the canonicalized form once, without sending it anywhere,
// to learn its exact size and whether it contains any octet above 127. The
// body producer's rewind-to-0 contract (spec §4.4, §9) is exactly what
// makes this safe to do before the real transmission in WriteTo: Body.Open
// always starts a fresh reader at offset 0.
func (s *Source) Prepass() (size int64, eightBit bool, err error) {
	cw := &canonWriter{w: io.Discard}
	if err := s.stream(cw); err != nil {
		return 0, false, err
	}
	return cw.n, cw.eightBit, nil
}

// WriteTo streams the canonical header and body to w. The terminating "."
// line is not part of this stream (the caller sends it), and a body that
// does not end in a line break is written without one. If the body
// contains an octet above 127 and eightBitAllowed is false, it stops and
// returns a protocol error instead of putting non-ASCII octets on a 7-bit
// channel (spec §4.4.4, property P6). Callers are expected to have already
// gated this with Prepass before issuing MAIL, so this is a defense-in-depth
// check, not the primary enforcement point.
func (s *Source) WriteTo(w io.Writer, eightBitAllowed bool) error {
	cw := &canonWriter{w: w, rejectEightBit: !eightBitAllowed}
	if err := s.stream(cw); err != nil {
		return err
	}
	return nil
}

func (s *Source) stream(cw *canonWriter) error {
	if err := textproto.WriteHeader(cw, s.Header); err != nil {
		return err
	}
	r, err := s.Body.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := io.Copy(cw, r); err != nil {
		return err
	}
	return cw.finish()
}

// finish flushes a trailing bare CR that Write held back waiting to see
// whether it was the start of a CRLF pair.
func (cw *canonWriter) finish() error {
	if !cw.sawCR {
		return nil
	}
	cw.sawCR = false
	n, err := cw.w.Write([]byte("\r\n"))
	cw.n += int64(n)
	return err
}

// canonWriter rewrites a byte stream to CRLF line endings and dot-stuffs
// any line beginning with '.', tracking total bytes written and whether any
// octet above 127 was seen. It is deliberately simple (byte-at-a-time)
// rather than clever: correctness of the SMTP wire format matters far more
// here than throughput.
type canonWriter struct {
	w              io.Writer
	atLineStart    bool
	sawCR          bool
	n              int64
	eightBit       bool
	rejectEightBit bool
	initialized    bool
}

// ErrEightBitNotAllowed is returned by WriteTo when the body contains an
// octet above 127 but eightBitAllowed was false.
var ErrEightBitNotAllowed = &eightBitError{}

type eightBitError struct{}

func (*eightBitError) Error() string {
	return "source: 8-bit octet in body but server did not advertise 8BITMIME"
}

func (cw *canonWriter) Write(p []byte) (int, error) {
	if !cw.initialized {
		cw.atLineStart = true
		cw.initialized = true
	}
	var out bytes.Buffer
	out.Grow(len(p) + 8)
	for _, b := range p {
		if cw.sawCR {
			cw.sawCR = false
			if b == '\n' {
				out.WriteByte('\r')
				out.WriteByte('\n')
				cw.atLineStart = true
				continue
			}
			// Bare CR: canonicalize to CRLF, then process b normally.
			out.WriteByte('\r')
			out.WriteByte('\n')
			cw.atLineStart = true
		}
		switch b {
		case '\r':
			cw.sawCR = true
			continue
		case '\n':
			out.WriteByte('\r')
			out.WriteByte('\n')
			cw.atLineStart = true
			continue
		}
		if b >= 128 {
			cw.eightBit = true
			if cw.rejectEightBit {
				return 0, ErrEightBitNotAllowed
			}
		}
		if cw.atLineStart && b == '.' {
			out.WriteByte('.')
		}
		out.WriteByte(b)
		cw.atLineStart = false
	}
	n, err := cw.w.Write(out.Bytes())
	cw.n += int64(n)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
