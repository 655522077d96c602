package transaction

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/submitkit/smtpsubmit/framework/buffer"
	"github.com/submitkit/smtpsubmit/internal/capability"
	"github.com/submitkit/smtpsubmit/internal/pipeline"
	"github.com/submitkit/smtpsubmit/internal/proto"
	"github.com/submitkit/smtpsubmit/internal/source"
)

func pipelineOver(t *testing.T) (*pipeline.Pipeline, *proto.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return pipeline.New(proto.NewConn(client), false), proto.NewConn(server)
}

func testSource(t *testing.T, body string) *source.Source {
	t.Helper()
	h := textproto.Header{}
	h.Set("Date", "Mon, 2 Jan 2006 15:04:05 +0000")
	h.Set("Message-Id", "<fixed@example.com>")
	h.Set("From", "<sender@example.com>")
	return source.New(h, buffer.MemoryBuffer{Slice: []byte(body)}, "mail.example.com", time.Now())
}

func rpath(s string) *string { return &s }

func TestRunHappyPath(t *testing.T) {
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example", "PIPELINING"})

	go func() {
		server.ReadLine() // MAIL
		server.ReadLine() // RCPT
		server.WriteLine("250 2.1.0 OK")
		server.WriteLine("250 2.1.5 OK")
		server.Flush()

		server.ReadLine() // DATA
		server.WriteLine("354 go ahead")
		server.Flush()

		// drain the canonicalized body + terminator line
		for {
			l, err := server.ReadLine()
			if err != nil {
				return
			}
			if l == "." {
				break
			}
		}
		server.WriteLine("250 2.0.0 queued")
		server.Flush()
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "rcpt@example.com"}},
	}
	res := Run(pl, caps, spec, testSource(t, "hello\n"))

	if !res.ReversePathStatus.IsOK() {
		t.Fatalf("reverse path status = %+v", res.ReversePathStatus)
	}
	if len(res.Recipients) != 1 || !res.Recipients[0].Status.IsOK() || !res.Recipients[0].Complete {
		t.Fatalf("recipient result = %+v", res.Recipients)
	}
	if !res.MessageStatus.IsOK() {
		t.Fatalf("message status = %+v", res.MessageStatus)
	}
}

func TestRunPartialRecipientRejection(t *testing.T) {
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example"}) // no PIPELINING: every command is a sync point

	go func() {
		server.ReadLine() // MAIL
		server.WriteLine("250 2.1.0 OK")
		server.Flush()

		server.ReadLine() // RCPT good
		server.WriteLine("250 2.1.5 OK")
		server.Flush()

		server.ReadLine() // RCPT bad
		server.WriteLine("550 5.1.1 unknown user")
		server.Flush()

		server.ReadLine()
		server.WriteLine("354 go ahead")
		server.Flush()
		for {
			l, err := server.ReadLine()
			if err != nil {
				return
			}
			if l == "." {
				break
			}
		}
		server.WriteLine("250 2.0.0 queued")
		server.Flush()
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients: []RecipientSpec{
			{Mailbox: "good@example.com"},
			{Mailbox: "bad@example.com"},
		},
	}
	res := Run(pl, caps, spec, testSource(t, "hello\n"))

	if !res.Recipients[0].Status.IsOK() {
		t.Fatalf("first recipient should be accepted: %+v", res.Recipients[0])
	}
	if res.Recipients[1].Status.IsOK() {
		t.Fatalf("second recipient should be rejected: %+v", res.Recipients[1])
	}
	if !res.MessageStatus.IsOK() {
		t.Fatalf("message should still be sent since one recipient was accepted: %+v", res.MessageStatus)
	}
}

func TestRunAllRecipientsRejectedSendsReset(t *testing.T) {
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example"}) // no PIPELINING: every command is a sync point

	rsetSeen := make(chan struct{})
	go func() {
		server.ReadLine() // MAIL
		server.WriteLine("250 2.1.0 OK")
		server.Flush()

		server.ReadLine() // RCPT
		server.WriteLine("550 5.1.1 unknown user")
		server.Flush()

		line, _ := server.ReadLine()
		if line == "RSET" {
			close(rsetSeen)
		}
		server.WriteLine("250 2.0.0 OK")
		server.Flush()
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "bad@example.com"}},
	}
	res := Run(pl, caps, spec, testSource(t, "hello\n"))

	select {
	case <-rsetSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected RSET after all recipients rejected")
	}
	if res.MessageStatus.IsOK() {
		t.Fatalf("message should not be sent: %+v", res.MessageStatus)
	}
}

func TestRunReversePathRejectionSkipsRecipients(t *testing.T) {
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example"}) // no PIPELINING: every command is a sync point

	rcptSeen := make(chan struct{}, 1)
	go func() {
		server.ReadLine() // MAIL
		server.WriteLine("550 5.1.8 sender rejected")
		server.Flush()

		// Without PIPELINING, a rejected MAIL must not be followed by RCPT
		// at all: there is no transaction open for it to attach to.
		if line, err := server.ReadLine(); err == nil && line != "" {
			rcptSeen <- struct{}{}
		}
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "rcpt@example.com"}},
	}
	res := Run(pl, caps, spec, testSource(t, "hello\n"))

	if res.ReversePathStatus.IsOK() {
		t.Fatalf("reverse path should have been rejected")
	}
	if res.Recipients[0].Complete {
		t.Fatalf("recipient should be marked not-attempted, not complete")
	}
	if res.Recipients[0].Status.IsOK() {
		t.Fatalf("recipient should not be ok")
	}
	select {
	case <-rcptSeen:
		t.Fatalf("RCPT should not have been sent after MAIL was rejected without PIPELINING")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunRequiredExtensionMissingAbortsBeforeMail(t *testing.T) {
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example"}) // no DSN advertised

	wroteAnything := make(chan struct{}, 1)
	go func() {
		line, err := server.ReadLine()
		if err == nil && line != "" {
			wroteAnything <- struct{}{}
		}
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "rcpt@example.com"}},
		EnvID:       "abc123",
		Required:    capability.DSN,
	}
	res := Run(pl, caps, spec, testSource(t, "hello\n"))

	if res.MessageStatus.IsOK() {
		t.Fatalf("expected failure when DSN is required but not advertised")
	}
	select {
	case <-wroteAnything:
		t.Fatalf("no command should have been sent to the wire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunEightBitOnSevenBitServerRefusedBeforeMail(t *testing.T) {
	// A caller can declare 8BITMIME required up front (Message.SetEightBitMIME,
	// which ORs capability.EightBitMIME into Spec.Required) independent of
	// what the body actually contains. That declared requirement is checked
	// by missingRequired before Prepass even runs.
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example"}) // no 8BITMIME advertised

	wroteAnything := make(chan struct{}, 1)
	go func() {
		if line, err := server.ReadLine(); err == nil && line != "" {
			wroteAnything <- struct{}{}
		}
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "rcpt@example.com"}},
		Required:    capability.EightBitMIME,
	}
	res := Run(pl, caps, spec, testSource(t, "hello\n"))

	if res.MessageStatus.IsOK() {
		t.Fatalf("expected failure: 8BITMIME required but not advertised by the server")
	}
	select {
	case <-wroteAnything:
		t.Fatalf("no command should have been sent to the wire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunEightBitBodyWithoutApplicationFlagStillGated(t *testing.T) {
	// The application never called SetEightBitMIME, but the body genuinely
	// contains an octet above 127 and the server does not advertise
	// 8BITMIME: Prepass must catch this from the real bytes, not from the
	// caller's declared intent.
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example"})

	wroteAnything := make(chan struct{}, 1)
	go func() {
		if line, err := server.ReadLine(); err == nil && line != "" {
			wroteAnything <- struct{}{}
		}
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "rcpt@example.com"}},
	}
	res := Run(pl, caps, spec, testSource(t, "caf\xe9\n"))

	if res.MessageStatus.IsOK() {
		t.Fatalf("expected failure: 8-bit body over a 7-bit-only server")
	}
	select {
	case <-wroteAnything:
		t.Fatalf("no command should have been sent to the wire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunEightBitBodyOnCapableServerSendsBody8BITMIME(t *testing.T) {
	pl, server := pipelineOver(t)
	caps := capability.Parse([]string{"mx.example", "8BITMIME"})

	var mailLine string
	go func() {
		mailLine, _ = server.ReadLine()
		server.WriteLine("250 2.1.0 OK")
		server.Flush()
		server.ReadLine() // RCPT
		server.WriteLine("250 2.1.5 OK")
		server.Flush()
		server.ReadLine() // DATA
		server.WriteLine("354 go ahead")
		server.Flush()
		for {
			l, err := server.ReadLine()
			if err != nil || l == "." {
				break
			}
		}
		server.WriteLine("250 2.0.0 queued")
		server.Flush()
	}()

	spec := Spec{
		ReversePath: rpath("sender@example.com"),
		Recipients:  []RecipientSpec{{Mailbox: "rcpt@example.com"}},
	}
	res := Run(pl, caps, spec, testSource(t, "caf\xe9\n"))

	if !res.MessageStatus.IsOK() {
		t.Fatalf("message status = %+v", res.MessageStatus)
	}
	if !strings.Contains(mailLine, "BODY=8BITMIME") {
		t.Fatalf("MAIL line should request BODY=8BITMIME, got %q", mailLine)
	}
}
