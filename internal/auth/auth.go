// Package auth implements the authentication driver (C7): it runs a
// challenge/response exchange against an injected SASL client
// (github.com/emersion/go-sasl), following the AUTH command framing from
// RFC 4954. The control-flow is grounded on the equivalent loop in
// emersion/go-smtp's Client.Auth, adapted to this engine's Status model
// instead of returning a bare error.
package auth

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"

	"github.com/submitkit/smtpsubmit/internal/proto"
	"github.com/submitkit/smtpsubmit/status"
)

// Result is the outcome of one AUTH attempt.
type Result struct {
	Status        status.Status
	Authenticated bool
}

// Run drives the exchange over conn. It assumes the caller has already
// confirmed the server advertised AUTH and treats AUTH itself as a
// synchronization point (no other command may be pipelined with it).
func Run(conn *proto.Conn, enhancedStatusCodes bool, client sasl.Client) (Result, error) {
	mech, initial, err := client.Start()
	if err != nil {
		return Result{Status: status.Local("sasl: " + err.Error())}, nil
	}

	cmd := "AUTH " + mech
	if initial != nil {
		cmd += " " + encodeInitial(initial)
	}
	if err := conn.WriteLine(cmd); err != nil {
		return Result{}, err
	}
	if err := conn.Flush(); err != nil {
		return Result{}, err
	}

	for {
		reply, err := conn.ReadReply(enhancedStatusCodes)
		if err != nil {
			return Result{}, err
		}

		switch {
		case reply.Code == 334:
			challenge, decErr := base64.StdEncoding.DecodeString(reply.Text())
			if decErr != nil {
				_ = abort(conn)
				return Result{Status: status.Protocol("auth: malformed base64 challenge")}, nil
			}
			resp, stepErr := client.Next(challenge)
			if stepErr != nil {
				_ = abort(conn)
				return Result{Status: status.Local("sasl: " + stepErr.Error())}, nil
			}
			if err := conn.WriteLine(encodeInitial(resp)); err != nil {
				return Result{}, err
			}
			if err := conn.Flush(); err != nil {
				return Result{}, err
			}

		case reply.Code == 235:
			return Result{
				Status:        status.FromReply(reply.Code, reply.Enhanced, reply.Text()),
				Authenticated: true,
			}, nil

		case reply.Code >= 400:
			// 5xx: permanent auth failure. 4xx: transient; either way the
			// session aborts this attempt per spec §4.7.
			return Result{Status: status.FromReply(reply.Code, reply.Enhanced, reply.Text())}, nil

		default:
			_ = abort(conn)
			return Result{Status: status.Protocol("auth: unexpected reply code")}, nil
		}
	}
}

// encodeInitial encodes a SASL response, special-casing the empty (but
// non-nil) response as "=" per RFC 4954 §4.
func encodeInitial(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

// abort sends the RFC 4954 cancellation response ("*") and drains the
// server's reply to it, best-effort.
func abort(conn *proto.Conn) error {
	if err := conn.WriteLine("*"); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}
	_, err := conn.ReadReply(false)
	return err
}
