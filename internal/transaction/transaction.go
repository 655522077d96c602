// Package transaction implements the per-transaction engine (C8): MAIL,
// RCPT*, DATA, payload, end-of-data for exactly one message.
package transaction

import (
	"fmt"
	"strings"

	"github.com/submitkit/smtpsubmit/internal/capability"
	"github.com/submitkit/smtpsubmit/internal/pipeline"
	"github.com/submitkit/smtpsubmit/internal/proto"
	"github.com/submitkit/smtpsubmit/internal/source"
	"github.com/submitkit/smtpsubmit/status"
)

// DeliverByMode mirrors the RFC 2852 By-trace-mode token.
type DeliverByMode string

const (
	DeliverByNone   DeliverByMode = ""
	DeliverByNotify DeliverByMode = "N"
	DeliverByReturn DeliverByMode = "R"
)

// RecipientSpec is one RCPT TO to issue for this transaction.
type RecipientSpec struct {
	Mailbox   string
	Notify    []string // "SUCCESS" / "FAILURE" / "DELAY" / "NEVER"
	ORCPTType string
	ORCPTAddr string
}

// Spec is everything the transaction engine needs to drive one message; it
// corresponds to the Message+Recipient fields in spec §3 that are
// protocol-relevant.
type Spec struct {
	// ReversePath is nil for a null path (MAIL FROM:<>).
	ReversePath *string
	Recipients  []RecipientSpec

	SizeKnown bool
	Size      int64

	RetFull, RetHdrs bool
	EnvID            string

	DeliverByTime  int
	DeliverByMode  DeliverByMode
	DeliverByTrace bool

	// Required is the subset of the session's required-extensions mask
	// that applies to this message (e.g. DSN is required if EnvID/Notify
	// were configured on this specific message).
	Required capability.Mask
}

// RecipientResult is the per-recipient outcome (spec §3's Recipient.status
// and Recipient.complete).
type RecipientResult struct {
	Status   status.Status
	Complete bool
}

// Result is the full per-transaction outcome.
type Result struct {
	ReversePathStatus status.Status
	Recipients        []RecipientResult
	MessageStatus     status.Status
}

// missingRequired reports every extension this Spec needs that caps does
// not advertise, matching invariant P4 ("no MAIL is issued" in that
// case).
func missingRequired(spec Spec, caps capability.Set) []string {
	return spec.Required.Missing(caps)
}

// Run drives one full transaction: MAIL, RCPT*, DATA, body, '.'.
func Run(pl *pipeline.Pipeline, caps capability.Set, spec Spec, body *source.Source) Result {
	if missing := missingRequired(spec, caps); len(missing) > 0 {
		reason := "required extension(s) not advertised: " + strings.Join(missing, ", ")
		return notAttempted(spec, status.Protocol(reason))
	}

	_, bodyEightBit, err := body.Prepass()
	if err != nil {
		return notAttempted(spec, status.Protocol("prepass: "+err.Error()))
	}
	if bodyEightBit && !caps.EightBitMIME() {
		return notAttempted(spec, status.Protocol("message body contains an octet above 127 but the server did not advertise 8BITMIME"))
	}

	mailCmd, err := buildMail(spec, caps, bodyEightBit)
	if err != nil {
		return notAttempted(spec, status.Protocol(err.Error()))
	}

	result := Result{
		Recipients: make([]RecipientResult, len(spec.Recipients)),
	}

	batch := make([]pipeline.Cmd, 0, 1+len(spec.Recipients))
	batch = append(batch, pipeline.Cmd{
		Text: mailCmd,
		Handle: func(r proto.Reply, err error) {
			result.ReversePathStatus = replyOrErrStatus(r, err)
		},
	})
	for i, rcpt := range spec.Recipients {
		i := i
		batch = append(batch, pipeline.Cmd{
			Text: buildRcpt(rcpt),
			Handle: func(r proto.Reply, err error) {
				result.Recipients[i] = RecipientResult{
					Status:   replyOrErrStatus(r, err),
					Complete: true,
				}
			},
		})
	}

	// RFC 2920: MAIL/RCPT/RSET may be pipelined together, but only once the
	// server has advertised PIPELINING. Without it, every command is its
	// own synchronization point: MAIL must be written and its reply read
	// before RCPT is written at all, so a rejected MAIL never has RCPT
	// lines sent after it out of sequence.
	if caps.Pipelining() {
		if err := pl.Flush(batch); err != nil {
			return notAttempted(spec, status.Local("mail/rcpt: "+err.Error()))
		}
	} else {
		if err := pl.Sync(batch[0].Text, batch[0].Handle); err != nil {
			return notAttempted(spec, status.Local("mail: "+err.Error()))
		}
		if result.ReversePathStatus.IsOK() {
			for _, cmd := range batch[1:] {
				if err := pl.Sync(cmd.Text, cmd.Handle); err != nil {
					return notAttempted(spec, status.Local("rcpt: "+err.Error()))
				}
			}
		}
	}

	anyAccepted := false
	for _, r := range result.Recipients {
		if r.Status.IsOK() {
			anyAccepted = true
			break
		}
	}

	if !result.ReversePathStatus.IsOK() {
		// 5xx (or worse) on MAIL: every recipient is "not attempted due to
		// sender rejection" (spec §4.8 tie-break). Complete stays true only
		// for a recipient whose RCPT was actually sent in the pipelined batch.
		for i := range result.Recipients {
			result.Recipients[i] = RecipientResult{
				Status:   status.NotAttempted("sender rejected, recipient not attempted"),
				Complete: result.Recipients[i].Complete,
			}
		}
		result.MessageStatus = result.ReversePathStatus
		return result
	}

	if !anyAccepted {
		// All recipients rejected after a successful MAIL: RSET is
		// required to clear server state (spec §4.8).
		_ = pl.Sync("RSET", func(proto.Reply, error) {})
		result.MessageStatus = status.NotAttempted("no valid recipients")
		return result
	}

	var dataStatus status.Status
	if err := pl.Sync("DATA", func(r proto.Reply, err error) {
		dataStatus = replyOrErrStatus(r, err)
	}); err != nil {
		result.MessageStatus = status.Local("data: " + err.Error())
		return result
	}
	if dataStatus.Code != 354 {
		result.MessageStatus = dataStatus
		return result
	}

	if err := body.WriteTo(rawConnWriter{pl}, caps.EightBitMIME()); err != nil {
		// The Prepass gate above should already have caught this; if it
		// trips anyway the connection is left mid-DATA, where a bare RSET
		// would be read as body content rather than a command. Close the
		// block out first.
		_ = pl.AbortData()
		result.MessageStatus = status.Protocol("data: " + err.Error())
		return result
	}

	var finalStatus status.Status
	if err := pl.Sync(".", func(r proto.Reply, err error) {
		finalStatus = replyOrErrStatus(r, err)
	}); err != nil {
		result.MessageStatus = status.Local("end-of-data: " + err.Error())
		return result
	}
	result.MessageStatus = finalStatus
	return result
}

// rawConnWriter lets the message source stream raw bytes through the same
// connection the pipeline issues commands on, bypassing the pipeline's
// command/reply bookkeeping (the payload is not itself a command).
type rawConnWriter struct {
	pl *pipeline.Pipeline
}

func (w rawConnWriter) Write(p []byte) (int, error) {
	return w.pl.RawWrite(p)
}

func notAttempted(spec Spec, reason status.Status) Result {
	rs := make([]RecipientResult, len(spec.Recipients))
	for i := range rs {
		rs[i] = RecipientResult{Status: reason, Complete: false}
	}
	return Result{
		ReversePathStatus: reason,
		Recipients:        rs,
		MessageStatus:     reason,
	}
}

func replyOrErrStatus(r proto.Reply, err error) status.Status {
	if err != nil {
		return status.Local(err.Error())
	}
	return status.FromReply(r.Code, r.Enhanced, r.Text())
}

func buildRcpt(r RecipientSpec) string {
	cmd := "RCPT TO:<" + r.Mailbox + ">"
	if len(r.Notify) > 0 {
		cmd += " NOTIFY=" + strings.Join(r.Notify, ",")
	}
	if r.ORCPTType != "" && r.ORCPTAddr != "" {
		cmd += " ORCPT=" + r.ORCPTType + ";" + r.ORCPTAddr
	}
	return cmd
}

func buildMail(spec Spec, caps capability.Set, bodyEightBit bool) (string, error) {
	path := "<>"
	if spec.ReversePath != nil {
		path = "<" + *spec.ReversePath + ">"
	}
	cmd := "MAIL FROM:" + path

	if spec.SizeKnown && caps.Size() {
		cmd += fmt.Sprintf(" SIZE=%d", spec.Size)
	}
	if caps.EightBitMIME() {
		if bodyEightBit {
			cmd += " BODY=8BITMIME"
		} else {
			cmd += " BODY=7BIT"
		}
	} else if bodyEightBit {
		// Unreachable in practice: Run's Prepass gate aborts before this
		// function is ever called in that case. Kept as a backstop.
		return "", fmt.Errorf("8BITMIME required but not advertised by server")
	}
	if caps.DSN() {
		if spec.RetFull {
			cmd += " RET=FULL"
		} else if spec.RetHdrs {
			cmd += " RET=HDRS"
		}
		if spec.EnvID != "" {
			cmd += " ENVID=" + spec.EnvID
		}
	}
	if spec.DeliverByMode != DeliverByNone {
		if !caps.DeliverBy() {
			return "", fmt.Errorf("DELIVERBY requested but not advertised by server")
		}
		trace := ""
		if spec.DeliverByTrace {
			trace = "T"
		}
		cmd += fmt.Sprintf(" BY=%d;%s%s", spec.DeliverByTime, string(spec.DeliverByMode), trace)
	}
	return cmd, nil
}
