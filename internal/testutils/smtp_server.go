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

package testutils

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// SMTPMessage is one transaction recorded by SMTPBackend.
type SMTPMessage struct {
	From     string
	To       []string
	Opts     *smtp.MailOptions
	Data     []byte
	AuthUser string
}

// SMTPBackend is a recording backend for an in-test SMTP server. Error
// fields, when set, are returned from the corresponding command so tests
// can exercise failure handling of the client side.
type SMTPBackend struct {
	Messages chan *SMTPMessage

	MailErr error
	// Per-recipient RCPT replies. Recipients not in the map are accepted.
	RcptErrs map[string]*smtp.SMTPError
	DataErr  error

	// Credentials accepted by AUTH PLAIN. Empty Username disables AUTH.
	Username string
	Password string
}

func (be *SMTPBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{backend: be}, nil
}

// Wait returns the next recorded message or fails the test after a second.
func (be *SMTPBackend) Wait(t *testing.T) *SMTPMessage {
	t.Helper()
	select {
	case m := <-be.Messages:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

type smtpSession struct {
	backend *SMTPBackend
	msg     *SMTPMessage
	user    string
}

func (s *smtpSession) Reset() {
	s.msg = &SMTPMessage{}
}

func (s *smtpSession) Logout() error {
	return nil
}

func (s *smtpSession) AuthPlain(username, password string) error {
	if s.backend.Username == "" {
		return smtp.ErrAuthUnsupported
	}
	if username != s.backend.Username || password != s.backend.Password {
		return errors.New("invalid credentials")
	}
	s.user = username
	return nil
}

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.MailErr != nil {
		return s.backend.MailErr
	}
	s.msg = &SMTPMessage{From: from, Opts: opts, AuthUser: s.user}
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err, reject := s.backend.RcptErrs[to]; reject {
		return err
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}
	blob, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = blob
	s.backend.Messages <- s.msg
	return nil
}

// SMTPServer starts an SMTP server on a random local port and returns the
// recording backend together with the host:port it listens on. The server
// is shut down when the test ends.
func SMTPServer(t *testing.T, fn ...func(*smtp.Server)) (*SMTPBackend, string) {
	t.Helper()

	be := &SMTPBackend{Messages: make(chan *SMTPMessage, 16)}
	srv := smtp.NewServer(be)
	srv.Domain = "test.invalid"
	srv.AllowInsecureAuth = true
	for _, f := range fn {
		f(srv)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = srv.Serve(l)
	}()
	t.Cleanup(func() {
		srv.Close()
	})

	return be, l.Addr().String()
}

// DeadAddr returns a local host:port that refuses connections.
func DeadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}
