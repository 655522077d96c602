package source

import (
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// reservedHeaders are stripped from the application-supplied header table
// before transmission: they are meaningful only to a receiving MTA/MSA and
// must be set by the submission path, never forwarded from the caller
// (spec §4.4.1).
var reservedHeaders = []string{"Return-Path"}

// repairHeader synthesizes the RFC 5322 fields a conforming message must
// carry (Date, Message-ID, From) when the application did not supply them,
// and strips fields this library reserves for itself. Apart from those
// reserved fields, it never touches a field the application did set:
// repeated calls on an already-complete
// header are no-ops (spec §8 round-trip property).
func repairHeader(h *textproto.Header, ehloIdentity string, now time.Time) {
	for _, name := range reservedHeaders {
		h.Del(name)
	}

	if !h.Has("Date") {
		h.Set("Date", now.Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	if !h.Has("Message-Id") {
		domain := ehloIdentity
		if domain == "" {
			domain = "localhost"
		}
		h.Set("Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	}

	if !h.Has("From") {
		// The application is expected to always set From; this fallback
		// only keeps the message from being flatly non-conformant if it
		// didn't, using the same identity EHLO advertises.
		domain := ehloIdentity
		if domain == "" {
			domain = "localhost"
		}
		h.Set("From", fmt.Sprintf("<postmaster@%s>", domain))
	}
}
