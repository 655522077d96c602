package smtpsubmit

import (
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/submitkit/smtpsubmit/framework/address"
	"github.com/submitkit/smtpsubmit/framework/buffer"
	"github.com/submitkit/smtpsubmit/internal/capability"
	"github.com/submitkit/smtpsubmit/internal/source"
	"github.com/submitkit/smtpsubmit/internal/transaction"
	"github.com/submitkit/smtpsubmit/status"
)

// Message is one mail transaction within a Session. A Message belongs to
// exactly one Session, fixed at AddMessage time.
type Message struct {
	session *Session

	reversePath  *string
	recipients   []*Recipient
	header       textproto.Header
	body         buffer.Buffer
	bodyAssigned bool

	sizeKnown bool
	size      int64

	retFull, retHdrs bool
	envID            string

	deliverByTime  int
	deliverByMode  transaction.DeliverByMode
	deliverByTrace bool

	required capability.Mask

	reversePathStatus status.Status
	messageStatus     status.Status

	// Opaque is available to the application to stash per-message context;
	// the library never reads it.
	Opaque interface{}
}

// SetReversePath sets the MAIL FROM address. Passing "" selects the null
// reverse path (MAIL FROM:<>), used for bounce notifications (spec
// invariant v).
func (m *Message) SetReversePath(addr string) error {
	if addr == "" {
		m.reversePath = nil
		return nil
	}
	if !address.Valid(addr) {
		return fmt.Errorf("smtpsubmit: invalid reverse path %q", addr)
	}
	m.reversePath = &addr
	return nil
}

// AddRecipient appends a recipient to this message, preserving insertion
// order as the protocol issue order (spec invariant iii).
func (m *Message) AddRecipient(mailbox string) (*Recipient, error) {
	if !address.Valid(mailbox) {
		return nil, fmt.Errorf("smtpsubmit: invalid recipient mailbox %q", mailbox)
	}
	r := &Recipient{msg: m, mailbox: mailbox, status: status.Zero}
	m.recipients = append(m.recipients, r)
	return r, nil
}

// Recipients returns the message's recipients in issue order.
func (m *Message) Recipients() []*Recipient { return m.recipients }

// SetBody binds the body-producer and header table for this message. body
// must support rewind to offset 0 via Open, which every framework/buffer
// implementation does (spec invariant iv requires this be set before
// Session.Start).
func (m *Message) SetBody(header textproto.Header, body buffer.Buffer) {
	m.header = header
	m.body = body
	m.bodyAssigned = true
}

// SetSize supplies a SIZE estimate (RFC 1870); it is sent as MAIL FROM's
// SIZE= parameter when the server advertises the extension.
func (m *Message) SetSize(n int64) {
	m.sizeKnown = true
	m.size = n
	m.required |= capability.Size
}

// SetEightBitMIME declares that 8BITMIME must be available for this
// message, independent of what the body actually contains; the session
// aborts the message before MAIL if the server does not advertise it (spec
// §4.4.4, §4.9). The transaction engine separately inspects the body's
// real bytes and applies the same abort regardless of whether this was
// ever called, so this setter only matters for callers who want the
// requirement enforced even against a body that happens to be 7-bit clean.
func (m *Message) SetEightBitMIME(v bool) {
	if v {
		m.required |= capability.EightBitMIME
	}
}

// SetDSN configures the RFC 3461 per-message DSN parameters: retFull xor
// retHdrs select RET=FULL/RET=HDRS (neither sends no RET parameter), envID
// sets ENVID. Configuring any of these requires the DSN extension.
func (m *Message) SetDSN(retFull, retHdrs bool, envID string) error {
	if retFull && retHdrs {
		return fmt.Errorf("smtpsubmit: RET=FULL and RET=HDRS are mutually exclusive")
	}
	m.retFull = retFull
	m.retHdrs = retHdrs
	m.envID = envID
	m.required |= capability.DSN
	return nil
}

// SetDeliverBy configures the RFC 2852 DELIVERBY parameters. mode must be
// "N" (NOTIFY) or "R" (RETURN). Per spec invariant vi, RETURN requires
// time>0; NOTIFY permits time==0.
func (m *Message) SetDeliverBy(seconds int, mode string, trace bool) error {
	var dbMode transaction.DeliverByMode
	switch mode {
	case "N":
		dbMode = transaction.DeliverByNotify
	case "R":
		dbMode = transaction.DeliverByReturn
		if seconds <= 0 {
			return fmt.Errorf("smtpsubmit: DELIVERBY mode=R requires time>0")
		}
	default:
		return fmt.Errorf("smtpsubmit: invalid DELIVERBY mode %q", mode)
	}
	m.deliverByTime = seconds
	m.deliverByMode = dbMode
	m.deliverByTrace = trace
	m.required |= capability.DeliverBy
	return nil
}

// ReversePathStatus returns the MAIL FROM outcome. Zero (pending) before
// Session.Start completes.
func (m *Message) ReversePathStatus() Status { return m.reversePathStatus }

// Status returns the overall message outcome (the DATA/end-of-data
// response, or a cascaded failure reason if DATA was never reached).
func (m *Message) Status() Status { return m.messageStatus }

func (m *Message) toSpec() transaction.Spec {
	recipients := make([]transaction.RecipientSpec, len(m.recipients))
	for i, r := range m.recipients {
		recipients[i] = r.toSpec()
	}
	return transaction.Spec{
		ReversePath: m.reversePath,
		Recipients:  recipients,
		SizeKnown:   m.sizeKnown,
		Size:        m.size,
		RetFull:     m.retFull,
		RetHdrs:     m.retHdrs,
		EnvID:       m.envID,

		DeliverByTime:  m.deliverByTime,
		DeliverByMode:  m.deliverByMode,
		DeliverByTrace: m.deliverByTrace,

		Required: m.required,
	}
}

func (m *Message) requireMask(bit capability.Mask) {
	m.required |= bit
}

func (m *Message) toSource(ehloIdentity string, now time.Time) *source.Source {
	return source.New(m.header, m.body, ehloIdentity, now)
}

func (m *Message) applyResult(res transaction.Result) {
	m.reversePathStatus = res.ReversePathStatus
	m.messageStatus = res.MessageStatus
	for i, rr := range res.Recipients {
		if i < len(m.recipients) {
			m.recipients[i].applyResult(rr)
		}
	}
}
