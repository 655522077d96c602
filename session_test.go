package smtpsubmit

import (
	"context"
	"net"
	"net/textproto"
	"testing"

	gomsgtextproto "github.com/emersion/go-message/textproto"

	"github.com/submitkit/smtpsubmit/framework/buffer"
)

func newScriptedServer(t *testing.T, handler func(tp *textproto.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(textproto.NewConn(conn))
	}()
	return ln.Addr().String()
}

func dial(addr string) (string, string) {
	host, port, _ := net.SplitHostPort(addr)
	return host, port
}

func TestSessionHappyPathSingleRecipient(t *testing.T) {
	addr := newScriptedServer(t, func(tp *textproto.Conn) {
		tp.PrintfLine("220 mx.example ESMTP ready")
		tp.ReadLine() // EHLO
		tp.PrintfLine("250-mx.example")
		tp.PrintfLine("250 PIPELINING")
		tp.ReadLine() // MAIL
		tp.ReadLine() // RCPT
		tp.PrintfLine("250 2.1.0 OK")
		tp.PrintfLine("250 2.1.5 OK")
		tp.ReadLine() // DATA
		tp.PrintfLine("354 go ahead")
		for {
			l, err := tp.ReadLine()
			if err != nil || l == "." {
				break
			}
		}
		tp.PrintfLine("250 2.0.0 queued")
		tp.ReadLine() // QUIT
		tp.PrintfLine("221 bye")
	})
	host, port := dial(addr)

	s := NewSession()
	if err := s.SetTarget(host, port); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	s.SetEHLOIdentity("client.example")
	s.SetTLSPolicy(TLSOff, nil)

	m := s.AddMessage()
	if err := m.SetReversePath("sender@example.com"); err != nil {
		t.Fatalf("SetReversePath: %v", err)
	}
	r, err := m.AddRecipient("rcpt@example.com")
	if err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	m.SetBody(gomsgtextproto.Header{}, buffer.MemoryBuffer{Slice: []byte("hello\n")})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !s.Status().IsOK() {
		t.Fatalf("session status = %+v", s.Status())
	}
	if !m.Status().IsOK() {
		t.Fatalf("message status = %+v", m.Status())
	}
	if !r.Status().IsOK() || !r.Complete() {
		t.Fatalf("recipient = status:%+v complete:%v", r.Status(), r.Complete())
	}
}

func TestSessionStartTwiceWithoutResetFails(t *testing.T) {
	addr := newScriptedServer(t, func(tp *textproto.Conn) {
		tp.PrintfLine("220 mx.example ESMTP ready")
		tp.ReadLine()
		tp.PrintfLine("250 mx.example")
		tp.ReadLine() // QUIT
		tp.PrintfLine("221 bye")
	})
	host, port := dial(addr)

	s := NewSession()
	s.SetTarget(host, port)
	s.SetTLSPolicy(TLSOff, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error calling Start twice without Reset")
	}
}

func TestSessionStartRequiresTarget(t *testing.T) {
	s := NewSession()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error when target was never set")
	}
}

func TestSessionStartRequiresBodyAssigned(t *testing.T) {
	s := NewSession()
	s.SetTarget("mx.example.com", "587")
	s.AddMessage() // SetBody never called
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error for message with no body bound")
	}
}

func TestSessionResetClearsStatus(t *testing.T) {
	dials := make(chan struct{}, 2)
	addr := newScriptedServer(t, func(tp *textproto.Conn) {
		dials <- struct{}{}
		tp.PrintfLine("220 mx.example ESMTP ready")
		tp.ReadLine()
		tp.PrintfLine("250 mx.example")
		tp.ReadLine()
		tp.PrintfLine("221 bye")
	})
	host, port := dial(addr)

	s := NewSession()
	s.SetTarget(host, port)
	s.SetTLSPolicy(TLSOff, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-dials

	s.Reset()
	if s.Status().Class != 0 {
		t.Fatalf("expected Reset to clear status back to Pending")
	}
}
