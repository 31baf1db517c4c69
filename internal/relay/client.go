/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/internal/msg"
)

// deliverGroup tries the targets in order until one accepts a connection,
// then runs a single SMTP transaction for the group's recipients over it.
// Outcomes are written into results; recipients without an entry there
// were accepted.
//
// Connection-level failures move on to the next target within the same
// attempt. A failure after the transaction started is the attempt's
// outcome, no further hosts are tried.
func (r *Relay) deliverGroup(ctx context.Context, m *msg.Message, rcpts []string, targets []target, results map[string]error) {
	var lastConnErr error

	for _, tgt := range targets {
		client, err := r.connect(ctx, tgt)
		if err != nil {
			r.Log.DebugMsg("connection failed, trying next host", "host", tgt.host, "reason", err.Error())
			lastConnErr = err
			continue
		}

		r.transact(client, m, rcpts, tgt, results)
		return
	}

	if lastConnErr == nil {
		lastConnErr = errors.New("relay: no targets")
	}
	connErr := exterrors.WithTemporary(lastConnErr, true)
	for _, rcpt := range rcpts {
		results[rcpt] = connErr
	}
}

// connect dials the target and negotiates EHLO, STARTTLS and AUTH per the
// relay configuration.
func (r *Relay) connect(ctx context.Context, tgt target) (*smtp.Client, error) {
	dialer := net.Dialer{Timeout: r.connectionTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", tgt.addr())
	if err != nil {
		return nil, err
	}

	client := smtp.NewClient(conn)
	client.CommandTimeout = r.connectionTimeout()
	client.SubmissionTimeout = 10 * r.connectionTimeout()

	if err := client.Hello(r.Hostname); err != nil {
		client.Close()
		return nil, err
	}

	if r.EnableTls || r.RequireTls {
		if ok, _ := client.Extension("STARTTLS"); ok {
			cfg := r.tlsConfigFor(tgt.host)
			if err := client.StartTLS(cfg); err != nil {
				client.Close()
				if r.RequireTls {
					return nil, fmt.Errorf("relay: STARTTLS with %s: %w", tgt.host, err)
				}
				// Opportunistic TLS failed, redo the session in plaintext.
				return r.connectPlaintext(ctx, tgt)
			}
		} else if r.RequireTls {
			client.Close()
			return nil, fmt.Errorf("relay: %s does not support STARTTLS", tgt.host)
		}
	}

	if tgt.username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			client.Close()
			return nil, fmt.Errorf("relay: %s does not support AUTH", tgt.host)
		}
		if err := client.Auth(sasl.NewPlainClient("", tgt.username, tgt.password)); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

func (r *Relay) connectPlaintext(ctx context.Context, tgt target) (*smtp.Client, error) {
	dialer := net.Dialer{Timeout: r.connectionTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", tgt.addr())
	if err != nil {
		return nil, err
	}
	client := smtp.NewClient(conn)
	client.CommandTimeout = r.connectionTimeout()
	if err := client.Hello(r.Hostname); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Relay) tlsConfigFor(host string) *tls.Config {
	var cfg *tls.Config
	if r.TLSConfig != nil {
		cfg = r.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// transact runs MAIL FROM / RCPT TO / DATA. Recipient-level rejections are
// recorded individually so the rest of the group can still be delivered.
func (r *Relay) transact(client *smtp.Client, m *msg.Message, rcpts []string, tgt target, results map[string]error) {
	defer client.Quit()

	opts := &smtp.MailOptions{UTF8: m.Envelope.UTF8}
	if m.Envelope.Body == msg.Body8BitMIME {
		opts.Body = smtp.Body8BitMIME
	}

	fail := func(rcpts []string, err error) {
		wrapped := wrapRemoteErr(err, tgt.host)
		for _, rcpt := range rcpts {
			results[rcpt] = wrapped
		}
	}

	if err := client.Mail(m.Envelope.MailFrom, opts); err != nil {
		fail(rcpts, err)
		return
	}

	var accepted []string
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt, &smtp.RcptOptions{}); err != nil {
			results[rcpt] = wrapRemoteErr(err, tgt.host)
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return
	}

	w, err := client.Data()
	if err != nil {
		fail(accepted, err)
		return
	}
	body, err := m.Body().Open()
	if err != nil {
		w.Close()
		fail(accepted, err)
		return
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		fail(accepted, err)
		return
	}
	if err := w.Close(); err != nil {
		fail(accepted, err)
		return
	}
}

// wrapRemoteErr maps a go-smtp client error onto the internal SMTPError
// form, keeping the remote reply for bounce reports.
func wrapRemoteErr(err error, host string) error {
	if err == nil {
		return nil
	}

	var remote *smtp.SMTPError
	if errors.As(err, &remote) {
		return &exterrors.SMTPError{
			Code:         remote.Code,
			EnhancedCode: exterrors.EnhancedCode(remote.EnhancedCode),
			Message:      remote.Message,
			TargetName:   "relay",
			Misc:         map[string]any{"remote_server": host},
			Err:          remote,
		}
	}
	// Network-level trouble is worth retrying.
	return exterrors.WithTemporary(err, true)
}
