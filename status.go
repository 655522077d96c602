package smtpsubmit

import "github.com/submitkit/smtpsubmit/status"

// Status is the structured (code, enhanced status, text, classification)
// tuple assigned to a session, a message and each of its recipients. It is
// a type alias for status.Status so that callers never need to import the
// status package directly.
type Status = status.Status

// StatusClass classifies a Status for branching purposes.
type StatusClass = status.Class

const (
	StatusPending          = status.Pending
	StatusOK               = status.OK
	StatusTransientFailure = status.TransientFailure
	StatusPermanentFailure = status.PermanentFailure
	StatusProtocolError    = status.ProtocolError
	StatusLocalError       = status.LocalError
)
