// Package transport implements the connect and upgrade-to-TLS parts of the
// transport collaborator contract (C3). It is a thin wrapper over net and
// crypto/tls; there is no separate shutdown operation, the caller closes the
// returned net.Conn.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/submitkit/smtpsubmit/framework/exterrors"
	"github.com/submitkit/smtpsubmit/status"
)

// Dialer resolves and establishes a stream socket to a submission target.
type Dialer struct {
	// Network is passed to net.Dialer.DialContext, normally "tcp".
	Network string
}

// Connect opens a TCP connection to addr ("host:port"). Resolution failures
// and connection refusals both classify as local-error per spec §4.3/§7.
func (d Dialer) Connect(ctx context.Context, addr string) (net.Conn, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UpgradeTLS performs a TLS handshake in place (§4.3). The caller is
// responsible for re-binding any line-buffered reader/writer to the
// returned connection (plaintext data must never be mixed with the TLS
// stream, and no buffered plaintext bytes are expected to survive a
// STARTTLS "220" reply).
func UpgradeTLS(ctx context.Context, conn net.Conn, serverName string, cfg *tls.Config) (*tls.Conn, error) {
	clientCfg := cfg
	if clientCfg == nil {
		clientCfg = &tls.Config{}
	} else {
		clientCfg = cfg.Clone()
	}
	if clientCfg.ServerName == "" {
		clientCfg.ServerName = serverName
	}
	tlsConn := tls.Client(conn, clientCfg)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
		defer tlsConn.SetDeadline(time.Time{})
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// ClassifyError turns a dial/handshake error into a local-error Status,
// preserving DNS-specific context the way framework/exterrors already does
// for the example corpus's downstream delivery code.
func ClassifyError(stage string, addr string, err error) status.Status {
	if err == nil {
		return status.Zero
	}
	reason, misc := exterrors.UnwrapDNSErr(err)
	wrapped := exterrors.WithFields(err, map[string]interface{}{
		"stage":   stage,
		"addr":    addr,
		"dns":     misc,
		"dnsinfo": reason,
	})
	return status.Local(fmt.Sprintf("%s: %s", stage, wrapped.Error()))
}
