package smtpsubmit

import (
	"fmt"

	"github.com/submitkit/smtpsubmit/framework/address"
	"github.com/submitkit/smtpsubmit/internal/capability"
	"github.com/submitkit/smtpsubmit/internal/transaction"
	"github.com/submitkit/smtpsubmit/status"
)

// Recipient is one forward path (RCPT TO) within a Message. A Recipient's
// parent Message is fixed at AddRecipient time and never changes (spec
// invariant i).
type Recipient struct {
	msg *Message

	mailbox   string
	notify    []string
	orcptType string
	orcptAddr string

	complete bool
	status   status.Status

	// Opaque is available to the application to stash per-recipient
	// context; the library never reads it.
	Opaque interface{}
}

// Mailbox returns the recipient's address as passed to AddRecipient.
func (r *Recipient) Mailbox() string { return r.mailbox }

// SetNotify configures the RFC 3461 NOTIFY parameter for this recipient's
// RCPT TO. Valid values are "NEVER" or a non-empty subset of "SUCCESS",
// "FAILURE", "DELAY". Configuring NOTIFY requires the message's DSN
// extension bit (set automatically here, per spec invariant ii).
func (r *Recipient) SetNotify(values ...string) error {
	if len(values) == 0 {
		return fmt.Errorf("smtpsubmit: NOTIFY requires at least one value")
	}
	for _, v := range values {
		switch v {
		case "SUCCESS", "FAILURE", "DELAY":
		case "NEVER":
			if len(values) > 1 {
				return fmt.Errorf("smtpsubmit: NOTIFY=NEVER cannot be combined with other values")
			}
		default:
			return fmt.Errorf("smtpsubmit: invalid NOTIFY value %q", v)
		}
	}
	r.notify = append([]string(nil), values...)
	r.msg.requireMask(capability.DSN)
	return nil
}

// SetORCPT configures the RFC 3461 original-recipient parameter
// (addressType;addr, e.g. "rfc822;user@example.com").
func (r *Recipient) SetORCPT(addressType, addr string) error {
	if addressType == "" || addr == "" {
		return fmt.Errorf("smtpsubmit: ORCPT requires both address-type and address")
	}
	r.orcptType = addressType
	r.orcptAddr = addr
	r.msg.requireMask(capability.DSN)
	return nil
}

// Complete reports whether the RCPT phase reached this recipient, true
// regardless of whether it was accepted or rejected (spec property P2).
func (r *Recipient) Complete() bool { return r.complete }

// Status returns this recipient's outcome. Before Session.Start completes
// it is the zero (pending) status.
func (r *Recipient) Status() Status { return r.status }

func (r *Recipient) toSpec() transaction.RecipientSpec {
	return transaction.RecipientSpec{
		Mailbox:   r.mailbox,
		Notify:    r.notify,
		ORCPTType: r.orcptType,
		ORCPTAddr: r.orcptAddr,
	}
}

func (r *Recipient) applyResult(res transaction.RecipientResult) {
	r.complete = res.Complete
	r.status = res.Status
}
