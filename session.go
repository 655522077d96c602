// Package smtpsubmit implements a client-side SMTP mail submission library
// (RFC 5321 submission profile) with PIPELINING, SIZE, 8BITMIME, STARTTLS,
// AUTH, DSN, ENHANCEDSTATUSCODES and DELIVERBY.
//
// A Session is built up with typed setters, given one or more Messages each
// with one or more Recipients, then run once via Start. After Start
// returns, the application reads back per-recipient, per-message and
// session-level Status values.
package smtpsubmit

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/emersion/go-sasl"
	"golang.org/x/net/idna"

	"github.com/submitkit/smtpsubmit/framework/log"
	"github.com/submitkit/smtpsubmit/internal/capability"
	"github.com/submitkit/smtpsubmit/internal/engine"
	"github.com/submitkit/smtpsubmit/status"
)

// TLSPolicy selects how a Session treats STARTTLS.
type TLSPolicy = engine.TLSPolicy

const (
	TLSOff           = engine.TLSOff
	TLSOpportunistic = engine.TLSOpportunistic
	TLSMandatory     = engine.TLSMandatory
)

// Session owns a target, an EHLO identity, an ordered list of messages, a
// required-extensions mask, optional auth and TLS configuration, and the
// session's own top-level Status (spec §3).
type Session struct {
	host string
	port string

	ehloIdentity string

	tlsPolicy TLSPolicy
	tlsConfig *tls.Config

	saslClient sasl.Client

	required capability.Mask

	messages []*Message

	Logger log.Logger

	// HeadersOnly is stored but not read by anything: the engine emits no
	// wire-level trace of commands, replies or the DATA payload, so setting
	// it has no effect.
	HeadersOnly bool

	DialTimeout  time.Duration
	ReplyTimeout time.Duration

	started bool
	caps    capability.Set
	status  status.Status
}

// NewSession creates an empty, unconfigured Session.
func NewSession() *Session {
	return &Session{status: status.Zero, tlsPolicy: TLSOpportunistic}
}

// SetTarget sets the submission target. If port is "", the conventional
// submission port 587 is used (spec §6).
func (s *Session) SetTarget(host, port string) error {
	if host == "" {
		return fmt.Errorf("smtpsubmit: target host must not be empty")
	}
	if port == "" {
		port = "587"
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return fmt.Errorf("smtpsubmit: invalid target host %q: %w", host, err)
	}
	s.host = ascii
	s.port = port
	return nil
}

// SetEHLOIdentity sets the local-identity argument to EHLO/HELO. If never
// called, Start defaults it to the local machine's hostname.
func (s *Session) SetEHLOIdentity(identity string) error {
	ascii, err := idna.Lookup.ToASCII(identity)
	if err != nil {
		return fmt.Errorf("smtpsubmit: invalid EHLO identity %q: %w", identity, err)
	}
	s.ehloIdentity = ascii
	return nil
}

// SetTLSPolicy selects whether STARTTLS is off, opportunistic (the
// default), or mandatory.
func (s *Session) SetTLSPolicy(policy TLSPolicy, cfg *tls.Config) {
	s.tlsPolicy = policy
	s.tlsConfig = cfg
	if policy == TLSMandatory {
		// Folds into the required-extensions mask so the post-EHLO check
		// (spec §4.9) catches a server that never advertises STARTTLS
		// before any transaction is attempted.
		s.required |= capability.StartTLS
	}
}

// SetAuth configures the SASL client used to authenticate after EHLO (and
// STARTTLS, if negotiated). Passing nil disables authentication.
func (s *Session) SetAuth(client sasl.Client) {
	s.saslClient = client
	if client != nil {
		s.required |= capability.Auth
	}
}

// AddMessage appends a message to the session, preserving insertion order
// as the protocol issue order (spec invariant iii).
func (s *Session) AddMessage() *Message {
	m := &Message{
		session:           s,
		reversePathStatus: status.Zero,
		messageStatus:     status.Zero,
	}
	s.messages = append(s.messages, m)
	return m
}

// Messages returns the session's messages in issue order.
func (s *Session) Messages() []*Message { return s.messages }

// Status returns the session-level outcome: ok if the session reached QUIT
// normally, otherwise the classified failure that aborted it.
func (s *Session) Status() Status { return s.status }

// Capabilities returns the capability set the server advertised in its
// final EHLO response. Zero value before Start completes.
func (s *Session) Capabilities() capability.Set { return s.caps }

// Reset clears every status on the session and its messages/recipients so
// Start can be called again. Per the one-shot lifecycle decision (spec §9
// open question), the transport is never reused across a reset: the next
// Start dials fresh, re-negotiates capabilities, and re-authenticates if
// configured.
func (s *Session) Reset() {
	s.started = false
	s.status = status.Zero
	s.caps = capability.Set{}
	for _, m := range s.messages {
		m.reversePathStatus = status.Zero
		m.messageStatus = status.Zero
		for _, r := range m.recipients {
			r.complete = false
			r.status = status.Zero
		}
	}
}

// Start runs the session exactly once: CONNECT, GREETING, EHLO, optional
// STARTTLS, optional AUTH, one transaction per message in order, QUIT. It
// returns InvalidArgument-style errors synchronously for configuration
// mistakes (spec §7); protocol and transport outcomes are never returned as
// error, they are recorded as Status values on the session, its messages
// and their recipients.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("smtpsubmit: Start called twice without Reset")
	}
	if s.host == "" {
		return fmt.Errorf("smtpsubmit: session target not set, call SetTarget")
	}
	identity := s.ehloIdentity
	if identity == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("smtpsubmit: no EHLO identity set and local hostname unavailable: %w", err)
		}
		identity = hostname
	}
	for i, m := range s.messages {
		if !m.bodyAssigned {
			return fmt.Errorf("smtpsubmit: message %d has no body bound, call SetBody before Start", i)
		}
	}
	s.started = true

	now := time.Now()
	inputs := make([]engine.MessageInput, len(s.messages))
	for i, m := range s.messages {
		inputs[i] = engine.MessageInput{
			Spec: m.toSpec(),
			Body: m.toSource(identity, now),
		}
	}

	result := engine.Run(ctx, engine.Input{
		Addr:         net.JoinHostPort(s.host, s.port),
		EHLOIdentity: identity,
		TLSPolicy:    s.tlsPolicy,
		TLSConfig:    s.tlsConfig,
		RequiredMask: s.required,
		SASLClient:   s.saslClient,
		Messages:     inputs,
		Logger:       s.Logger,
		DialTimeout:  s.DialTimeout,
		ReplyTimeout: s.ReplyTimeout,
	})

	s.caps = result.Capabilities
	s.status = result.SessionStatus
	for i, mr := range result.Messages {
		if i < len(s.messages) {
			s.messages[i].applyResult(mr)
		}
	}
	return nil
}
