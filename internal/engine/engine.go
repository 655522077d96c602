// Package engine implements the session engine (C9): greeting, EHLO/HELO,
// optional STARTTLS (with re-EHLO), optional AUTH, the message loop, and
// QUIT, plus the error classification and abort policy that ties the other
// components together.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/submitkit/smtpsubmit/framework/log"
	"github.com/submitkit/smtpsubmit/internal/auth"
	"github.com/submitkit/smtpsubmit/internal/capability"
	"github.com/submitkit/smtpsubmit/internal/pipeline"
	"github.com/submitkit/smtpsubmit/internal/proto"
	"github.com/submitkit/smtpsubmit/internal/source"
	"github.com/submitkit/smtpsubmit/internal/transaction"
	"github.com/submitkit/smtpsubmit/internal/transport"
	"github.com/submitkit/smtpsubmit/status"
)

// TLSPolicy controls whether and how STARTTLS is used.
type TLSPolicy int

const (
	// TLSOff never attempts STARTTLS.
	TLSOff TLSPolicy = iota
	// TLSOpportunistic upgrades if the server advertises STARTTLS, but
	// falls back to cleartext (and continues the session) if the upgrade
	// fails.
	TLSOpportunistic
	// TLSMandatory requires STARTTLS to succeed or aborts the session.
	TLSMandatory
)

// MessageInput pairs one transaction's protocol parameters with its body.
type MessageInput struct {
	Spec transaction.Spec
	Body *source.Source
}

// Input is everything the engine needs to run one session end to end.
type Input struct {
	Addr         string // "host:port"
	EHLOIdentity string

	TLSPolicy TLSPolicy
	TLSConfig *tls.Config

	// RequiredMask is the session-wide required-extensions mask (spec §3
	// invariant ii); it is checked once after the final EHLO, in addition
	// to any per-message Required mask transaction.Run already enforces.
	RequiredMask capability.Mask

	// SASLClient is nil if the session should not authenticate.
	SASLClient sasl.Client

	Messages []MessageInput

	Logger log.Logger

	DialTimeout  time.Duration
	ReplyTimeout time.Duration
}

// Result is the full outcome of one session.
type Result struct {
	Capabilities  capability.Set
	SessionStatus status.Status
	Authenticated bool
	Messages      []transaction.Result
}

// Run drives CONNECT -> GREETING -> EHLO -> [STARTTLS -> EHLO] ->
// [AUTH -> EHLO] -> TRANSACT* -> QUIT.
func Run(ctx context.Context, in Input) Result {
	logger := in.Logger

	dialCtx := ctx
	if in.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, in.DialTimeout)
		defer cancel()
	}

	host := in.Addr
	if h, _, err := splitHostPort(in.Addr); err == nil {
		host = h
	}

	var dialer transport.Dialer
	rawConn, err := dialer.Connect(dialCtx, in.Addr)
	if err != nil {
		logger.Error("connect failed", err, "addr", in.Addr)
		return Result{SessionStatus: transport.ClassifyError("connect", in.Addr, err)}
	}
	defer rawConn.Close()

	conn := proto.NewConn(rawConn)
	deadline(conn, in.ReplyTimeout)

	// GREETING
	greet, err := conn.ReadReply(false)
	if err != nil {
		logger.Error("greeting failed", err)
		return Result{SessionStatus: status.Local("greeting: " + err.Error())}
	}
	if greet.Code != 220 {
		return finishWithQuit(conn, logger, status.FromReply(greet.Code, greet.Enhanced, greet.Text()))
	}

	pl := pipeline.New(conn, false)

	// EHLO (fall back to HELO on 5xx)
	caps, helloErr := doEHLO(conn, pl, in.EHLOIdentity)
	if helloErr != nil {
		logger.Error("EHLO failed", helloErr)
		return finishWithQuit(conn, logger, status.Local("ehlo: "+helloErr.Error()))
	}

	// STARTTLS
	required := in.RequiredMask
	if in.TLSPolicy != TLSOff && caps.StartTLS() {
		tlsConn, tlsErr := doStartTLS(ctx, conn, pl, rawConn, host, in.TLSConfig)
		if tlsErr != nil {
			if in.TLSPolicy == TLSMandatory {
				logger.Error("STARTTLS failed (mandatory)", tlsErr)
				return finishWithQuit(conn, logger, status.Local("starttls: "+tlsErr.Error()))
			}
			logger.Printf("STARTTLS failed, continuing in cleartext: %v", tlsErr)
		} else {
			rawConn = tlsConn
			defer rawConn.Close()
			// A server does not re-advertise STARTTLS once TLS is active
			// (RFC 3207); the completed upgrade satisfies that bit.
			required &^= capability.StartTLS
			caps, helloErr = doEHLO(conn, pl, in.EHLOIdentity)
			if helloErr != nil {
				return finishWithQuit(conn, logger, status.Local("post-tls ehlo: "+helloErr.Error()))
			}
		}
	} else if in.TLSPolicy == TLSMandatory {
		return finishWithQuit(conn, logger, status.Local("starttls: server did not advertise STARTTLS"))
	}

	// AUTH
	authenticated := false
	if in.SASLClient != nil {
		if !caps.Auth() {
			return finishWithQuit(conn, logger, status.Protocol("auth: server did not advertise AUTH"))
		}
		res, authErr := auth.Run(conn, caps.EnhancedStatusCodes(), in.SASLClient)
		if authErr != nil {
			logger.Error("AUTH transport error", authErr)
			return finishWithQuit(conn, logger, status.Local("auth: "+authErr.Error()))
		}
		if !res.Authenticated {
			logger.Printf("AUTH failed: %s", res.Status)
			return finishWithQuit(conn, logger, res.Status)
		}
		authenticated = true
		caps, helloErr = doEHLO(conn, pl, in.EHLOIdentity)
		if helloErr != nil {
			return finishWithQuit(conn, logger, status.Local("post-auth ehlo: "+helloErr.Error()))
		}
	}

	// Required-extensions check
	if missing := required.Missing(caps); len(missing) > 0 {
		reason := "required extension(s) not available: " + strings.Join(missing, ", ")
		return finishWithQuit(conn, logger, status.Protocol(reason))
	}

	// TRANSACT*
	results := make([]transaction.Result, len(in.Messages))
	for i, msg := range in.Messages {
		deadline(conn, in.ReplyTimeout)
		results[i] = transaction.Run(pl, caps, msg.Spec, msg.Body)
	}

	sessionStatus := doQuit(conn, logger)

	return Result{
		Capabilities:  caps,
		SessionStatus: sessionStatus,
		Authenticated: authenticated,
		Messages:      results,
	}
}

func doEHLO(conn *proto.Conn, pl *pipeline.Pipeline, identity string) (capability.Set, error) {
	var reply proto.Reply
	if err := pl.Sync("EHLO "+identity, func(r proto.Reply, err error) {
		if err == nil {
			reply = r
		}
	}); err != nil {
		return capability.Set{}, err
	}
	if reply.Code >= 500 {
		// Fall back to HELO (no extensions to parse).
		var heloReply proto.Reply
		if err := pl.Sync("HELO "+identity, func(r proto.Reply, err error) {
			if err == nil {
				heloReply = r
			}
		}); err != nil {
			return capability.Set{}, err
		}
		if heloReply.Code >= 400 {
			return capability.Set{}, fmt.Errorf("HELO rejected: %s", heloReply.Text())
		}
		return capability.Set{}, nil
	}
	if reply.Code >= 400 {
		return capability.Set{}, fmt.Errorf("EHLO rejected: %s", reply.Text())
	}
	caps := capability.Parse(reply.Lines)
	pl.SetEnhanced(caps.EnhancedStatusCodes())
	return caps, nil
}

// doStartTLS issues STARTTLS, performs the handshake, and rebinds conn's
// buffered I/O onto the new TLS stream (spec §4.3: no buffered plaintext may
// survive the "220" reply, which is why Rebind gives conn fresh buffers over
// tlsConn rather than keeping the existing bufio state).
func doStartTLS(ctx context.Context, conn *proto.Conn, pl *pipeline.Pipeline, rawConn net.Conn, host string, cfg *tls.Config) (*tls.Conn, error) {
	var reply proto.Reply
	if err := pl.Sync("STARTTLS", func(r proto.Reply, err error) {
		if err == nil {
			reply = r
		}
	}); err != nil {
		return nil, err
	}
	if reply.Code != 220 {
		return nil, fmt.Errorf("STARTTLS rejected: %s", reply.Text())
	}

	tlsConn, err := transport.UpgradeTLS(ctx, rawConn, host, cfg)
	if err != nil {
		return nil, err
	}
	conn.Rebind(tlsConn)
	return tlsConn, nil
}

func finishWithQuit(conn *proto.Conn, logger log.Logger, reason status.Status) Result {
	doQuit(conn, logger)
	return Result{SessionStatus: reason}
}

func doQuit(conn *proto.Conn, logger log.Logger) status.Status {
	if err := conn.WriteLine("QUIT"); err != nil {
		return status.Local(err.Error())
	}
	if err := conn.Flush(); err != nil {
		return status.Local(err.Error())
	}
	reply, err := conn.ReadReply(false)
	if err != nil {
		logger.Debugf("QUIT: no reply: %v", err)
		return status.Local(err.Error())
	}
	return status.FromReply(reply.Code, reply.Enhanced, reply.Text())
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx == -1 {
		return addr, "", fmt.Errorf("no port")
	}
	return addr[:idx], addr[idx+1:], nil
}

func deadline(conn *proto.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	_ = conn.SetDeadline(time.Now().Add(d))
}
