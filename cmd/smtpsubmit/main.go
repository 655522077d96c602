// Command smtpsubmit connects to a submission server, sends one message,
// and prints the per-recipient status. It exercises the smtpsubmit public
// API end to end and is meant as a worked example, not a production MTA
// client.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/urfave/cli/v2"

	"github.com/submitkit/smtpsubmit"
	"github.com/submitkit/smtpsubmit/framework/buffer"
	"github.com/submitkit/smtpsubmit/framework/log"
)

func main() {
	app := cli.NewApp()
	app.Name = "smtpsubmit"
	app.Usage = "send a message through an SMTP submission server"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "host",
			Usage:    "submission server host",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "port",
			Usage: "submission server port",
			Value: "587",
		},
		&cli.StringFlag{
			Name:  "identity",
			Usage: "EHLO identity, defaults to the local hostname",
		},
		&cli.StringFlag{
			Name:  "from",
			Usage: "envelope sender, empty for the null reverse path",
		},
		&cli.StringSliceFlag{
			Name:     "to",
			Usage:    "envelope recipient, can be repeated",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "user",
			Usage: "AUTH PLAIN username, disables AUTH if empty",
		},
		&cli.StringFlag{
			Name:  "password",
			Usage: "AUTH PLAIN password",
		},
		&cli.StringFlag{
			Name:  "tls",
			Usage: "STARTTLS policy: off, opportunistic, mandatory",
			Value: "opportunistic",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "log debug-level messages to stderr (commands and replies are not traced)",
		},
	}
	app.Action = send

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "smtpsubmit:", err)
		os.Exit(1)
	}
}

func send(ctx *cli.Context) error {
	body, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return fmt.Errorf("reading message from stdin: %w", err)
	}
	header, rest, err := splitHeader(body)
	if err != nil {
		return err
	}

	logger := log.Logger{Name: "smtpsubmit", Out: log.WriterOutput(os.Stderr, false), Debug: ctx.Bool("debug")}

	s := smtpsubmit.NewSession()
	s.Logger = logger
	if err := s.SetTarget(ctx.String("host"), ctx.String("port")); err != nil {
		return err
	}
	if identity := ctx.String("identity"); identity != "" {
		if err := s.SetEHLOIdentity(identity); err != nil {
			return err
		}
	}

	policy, err := parseTLSPolicy(ctx.String("tls"))
	if err != nil {
		return err
	}
	s.SetTLSPolicy(policy, &tls.Config{ServerName: ctx.String("host")})

	if user := ctx.String("user"); user != "" {
		s.SetAuth(sasl.NewPlainClient("", user, ctx.String("password")))
	}

	msg := s.AddMessage()
	if err := msg.SetReversePath(ctx.String("from")); err != nil {
		return err
	}
	msg.SetBody(header, buffer.MemoryBuffer{Slice: rest})
	for _, addr := range ctx.StringSlice("to") {
		if _, err := msg.AddRecipient(addr); err != nil {
			return err
		}
	}

	if err := s.Start(context.Background()); err != nil {
		return err
	}

	fmt.Printf("session: %s\n", s.Status())
	for _, m := range s.Messages() {
		fmt.Printf("message: %s\n", m.Status())
		for _, r := range m.Recipients() {
			fmt.Printf("  %s: %s (complete=%v)\n", r.Mailbox(), r.Status(), r.Complete())
		}
	}
	return nil
}

func parseTLSPolicy(v string) (smtpsubmit.TLSPolicy, error) {
	switch v {
	case "off":
		return smtpsubmit.TLSOff, nil
	case "opportunistic":
		return smtpsubmit.TLSOpportunistic, nil
	case "mandatory":
		return smtpsubmit.TLSMandatory, nil
	default:
		return 0, fmt.Errorf("invalid --tls value %q", v)
	}
}

// splitHeader separates an RFC 5322 header block (terminated by a blank
// line) from the body that follows, for the simple stdin-fed CLI case.
func splitHeader(raw []byte) (textproto.Header, []byte, error) {
	idx := strings.Index(string(raw), "\r\n\r\n")
	sep := 4
	if idx == -1 {
		idx = strings.Index(string(raw), "\n\n")
		sep = 2
	}
	if idx == -1 {
		return textproto.Header{}, nil, fmt.Errorf("message has no header/body separator")
	}
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(string(raw[:idx]) + "\r\n\r\n")))
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("parsing message headers: %w", err)
	}
	return h, raw[idx+sep:], nil
}
