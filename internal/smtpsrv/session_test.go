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

package smtpsrv

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-mta/kestrel/internal/auth"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/filter"
	"github.com/kestrel-mta/kestrel/internal/store"
	"github.com/kestrel-mta/kestrel/internal/testutils"
)

func testServer(t *testing.T, mod func(*Server)) (*Server, string) {
	t.Helper()
	srv := &Server{
		Hostname: "mx.test.invalid",
		Log:      testutils.Logger(t, "smtpsrv"),
	}
	if mod != nil {
		mod(srv)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return srv, l.Addr().String()
}

// tconn is a line-oriented test client.
type tconn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialSMTP(t *testing.T, addr string) *tconn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := &tconn{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *tconn) send(format string, args ...any) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, format+"\r\n", args...); err != nil {
		c.t.Fatal(err)
	}
}

func (c *tconn) write(raw string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(raw)); err != nil {
		c.t.Fatal(err)
	}
}

// expect reads one (possibly multi-line) reply and checks the code. It
// returns all reply lines without the code prefix.
func (c *tconn) expect(code int) []string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read reply: %v (got %v so far)", err, lines)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			c.t.Fatalf("malformed reply line %q", line)
		}
		got, err := strconv.Atoi(line[:3])
		if err != nil {
			c.t.Fatalf("malformed reply code in %q", line)
		}
		if got != code {
			c.t.Fatalf("reply code = %d (%q), want %d", got, line, code)
		}
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			return lines
		}
	}
}

func (c *tconn) closed() bool {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadByte()
	return err != nil
}

func contains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

const testBody = "Subject: test\r\n\r\nHello.\r\n"

func runTransaction(c *tconn) {
	c.send("MAIL FROM:<sender@example.org>")
	c.expect(250)
	c.send("RCPT TO:<rcpt@example.com>")
	c.expect(250)
	c.send("DATA")
	c.expect(354)
	c.write(testBody + ".\r\n")
	c.expect(250)
}

func TestSessionBasicTransaction(t *testing.T) {
	mem := store.NewMemory()
	_, addr := testServer(t, func(s *Server) {
		s.Store = mem
		s.MaxMessageSize = 1024 * 1024
	})

	c := dialSMTP(t, addr)
	c.expect(220)

	caps := c.expectEhlo()
	for _, want := range []string{"PIPELINING", "8BITMIME", "SMTPUTF8", "SIZE 1048576", "CHUNKING"} {
		if !contains(caps, want) {
			t.Errorf("EHLO reply misses %q: %v", want, caps)
		}
	}

	runTransaction(c)
	c.send("QUIT")
	c.expect(221)

	if mem.Len() != 1 {
		t.Fatalf("store has %d messages, want 1", mem.Len())
	}
	saved := mem.Messages()[0]
	if saved.Envelope.MailFrom != "sender@example.org" {
		t.Errorf("envelope from = %q", saved.Envelope.MailFrom)
	}
	raw := string(saved.Raw)
	if !strings.HasPrefix(raw, "Received: from") {
		t.Errorf("missing trace header: %q", raw[:min(len(raw), 60)])
	}
	if !strings.Contains(raw, "Hello.") {
		t.Error("body not preserved")
	}
}

func (c *tconn) expectEhlo() []string {
	c.t.Helper()
	c.send("EHLO client.example.org")
	return c.expect(250)
}

func TestSessionAuthPlain(t *testing.T) {
	var results []events.AuthResult
	var mu sync.Mutex
	bus := events.NewBus(testutils.Logger(t, "events"))
	bus.OnAuthResult(func(ev events.AuthResult) {
		mu.Lock()
		results = append(results, ev)
		mu.Unlock()
	})

	_, addr := testServer(t, func(s *Server) {
		s.Auth = auth.NewRegistry(auth.Plain(auth.StaticVerifier{"user": "pass"}))
		s.InsecureAuth = true
		s.Events = bus
	})

	c := dialSMTP(t, addr)
	c.expect(220)
	caps := c.expectEhlo()
	if !contains(caps, "AUTH PLAIN") {
		t.Fatalf("AUTH not advertised: %v", caps)
	}

	// Wrong credentials first.
	bad := base64.StdEncoding.EncodeToString([]byte("\x00user\x00wrong"))
	c.send("AUTH PLAIN " + bad)
	c.expect(535)

	good := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	c.send("AUTH PLAIN " + good)
	c.expect(235)

	// Second AUTH is rejected.
	c.send("AUTH PLAIN " + good)
	c.expect(503)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 || results[0].Success || !results[1].Success {
		t.Errorf("auth events = %+v", results)
	}
}

func TestSessionAuthRequired(t *testing.T) {
	_, addr := testServer(t, func(s *Server) {
		s.Auth = auth.NewRegistry(auth.Plain(auth.StaticVerifier{"user": "pass"}))
		s.InsecureAuth = true
		s.RequireAuth = true
	})

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()
	c.send("MAIL FROM:<sender@example.org>")
	c.expect(530)
}

func TestSessionErrorBudget(t *testing.T) {
	_, addr := testServer(t, nil) // default budget of 3

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	c.send("FROB")
	c.expect(500)
	c.send("FROB")
	c.expect(500)
	c.send("FROB")
	c.expect(421)

	if !c.closed() {
		t.Error("connection still open after budget exhaustion")
	}
}

func TestSessionErrorBudgetResetsOnSuccess(t *testing.T) {
	_, addr := testServer(t, nil)

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	c.send("FROB")
	c.expect(500)
	c.send("FROB")
	c.expect(500)
	c.send("NOOP")
	c.expect(250)

	// Counter is back at zero, two more failures are tolerated.
	c.send("FROB")
	c.expect(500)
	c.send("FROB")
	c.expect(500)
	c.send("QUIT")
	c.expect(221)
}

func TestSessionOutOfOrder(t *testing.T) {
	_, addr := testServer(t, nil)

	c := dialSMTP(t, addr)
	c.expect(220)

	// MAIL before EHLO.
	c.send("MAIL FROM:<a@b.example>")
	c.expect(503)

	c.expectEhlo()
	// RCPT before MAIL.
	c.send("RCPT TO:<rcpt@example.com>")
	c.expect(503)
	// DATA before RCPT.
	c.send("DATA")
	c.expect(503)
}

func TestSessionPipelining(t *testing.T) {
	mem := store.NewMemory()
	_, addr := testServer(t, func(s *Server) { s.Store = mem })

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	// One write, three replies, strictly in command order.
	c.write("MAIL FROM:<a@b.example>\r\nRCPT TO:<c@d.example>\r\nDATA\r\n")
	c.expect(250)
	c.expect(250)
	c.expect(354)

	c.write(testBody + ".\r\n")
	c.expect(250)

	if mem.Len() != 1 {
		t.Errorf("store has %d messages, want 1", mem.Len())
	}
}

func TestSessionPerIPCap(t *testing.T) {
	const limit = 3
	const attempts = 10

	_, addr := testServer(t, func(s *Server) { s.MaxConnectionsPerIP = limit })

	var mu sync.Mutex
	var greeted []*tconn
	rejected := 0

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer done.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Error(err)
				return
			}
			start.Wait()

			r := bufio.NewReader(conn)
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, err := r.ReadString('\n')
			if err != nil {
				t.Errorf("no reply: %v", err)
				conn.Close()
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case strings.HasPrefix(line, "220"):
				greeted = append(greeted, &tconn{t: t, conn: conn, r: r})
			case strings.HasPrefix(line, "421"):
				rejected++
				conn.Close()
			default:
				t.Errorf("unexpected greeting %q", line)
				conn.Close()
			}
		}()
	}
	start.Done()
	done.Wait()

	if len(greeted) != limit || rejected != attempts-limit {
		t.Fatalf("greeted %d, rejected %d, want %d/%d", len(greeted), rejected, limit, attempts-limit)
	}

	// Freeing one slot lets a new connection in.
	greeted[0].send("QUIT")
	greeted[0].expect(221)
	greeted[0].conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c := dialSMTP(t, addr)
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		line, err := c.r.ReadString('\n')
		c.conn.Close()
		if err == nil && strings.HasPrefix(line, "220") {
			for _, g := range greeted[1:] {
				g.conn.Close()
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("slot was not released after QUIT")
}

func TestSessionFilterRejects(t *testing.T) {
	_, addr := testServer(t, func(s *Server) {
		s.Filter = filter.DomainBlocklist{Domains: []string{"spam.example"}}
	})

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	c.send("MAIL FROM:<bad@spam.example>")
	c.expect(550)

	// Policy rejections do not consume the error budget.
	for i := 0; i < 5; i++ {
		c.send("MAIL FROM:<bad@spam.example>")
		c.expect(550)
	}
	c.send("MAIL FROM:<ok@clean.example>")
	c.expect(250)
}

func TestSessionListenerVerdict(t *testing.T) {
	bus := events.NewBus(testutils.Logger(t, "events"))
	bus.OnMessageReceived(func(ev events.MessageReceived) events.Verdict {
		return events.Verdict{Cancel: true, Code: 554, Message: "Not today"}
	})

	mem := store.NewMemory()
	_, addr := testServer(t, func(s *Server) {
		s.Store = mem
		s.Events = bus
	})

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()
	c.send("MAIL FROM:<sender@example.org>")
	c.expect(250)
	c.send("RCPT TO:<rcpt@example.com>")
	c.expect(250)
	c.send("DATA")
	c.expect(354)
	c.write(testBody + ".\r\n")
	c.expect(554)

	if mem.Len() != 0 {
		t.Error("cancelled message reached the store")
	}
}

func TestSessionMessageTooBig(t *testing.T) {
	_, addr := testServer(t, func(s *Server) { s.MaxMessageSize = 64 })

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	// Oversized SIZE hint is rejected at MAIL time.
	c.send("MAIL FROM:<a@b.example> SIZE=1000000")
	c.expect(552)

	// Without the hint the payload is truncated and rejected after DATA.
	c.send("MAIL FROM:<a@b.example>")
	c.expect(250)
	c.send("RCPT TO:<c@d.example>")
	c.expect(250)
	c.send("DATA")
	c.expect(354)
	c.write(strings.Repeat("spam and eggs\r\n", 32) + ".\r\n")
	c.expect(552)

	// The session survives.
	c.send("NOOP")
	c.expect(250)
}

func TestSessionBdat(t *testing.T) {
	mem := store.NewMemory()
	_, addr := testServer(t, func(s *Server) { s.Store = mem })

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()
	c.send("MAIL FROM:<sender@example.org>")
	c.expect(250)
	c.send("RCPT TO:<rcpt@example.com>")
	c.expect(250)

	chunk1 := "Subject: chunked\r\n\r\n"
	chunk2 := "Hello via BDAT.\r\n"
	c.write(fmt.Sprintf("BDAT %d\r\n%s", len(chunk1), chunk1))
	c.expect(250)
	c.write(fmt.Sprintf("BDAT %d LAST\r\n%s", len(chunk2), chunk2))
	c.expect(250)

	if mem.Len() != 1 {
		t.Fatalf("store has %d messages, want 1", mem.Len())
	}
	if !strings.Contains(string(mem.Messages()[0].Raw), "Hello via BDAT.") {
		t.Error("BDAT payload not preserved")
	}
}

func TestSessionLineLimit(t *testing.T) {
	long := "NOOP " + strings.Repeat("x", 1500)

	_, addr := testServer(t, nil) // default 998 octet cap
	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	c.send(long)
	c.expect(500)
	// One protocol error, the session goes on.
	c.send("NOOP")
	c.expect(250)

	// A raised cap lets the same line through.
	_, addr = testServer(t, func(s *Server) { s.MaxLineLength = 2048 })
	c = dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()
	c.send(long)
	c.expect(250)
}

func TestSessionLineTooLongBudget(t *testing.T) {
	_, addr := testServer(t, nil) // default budget of 3

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	long := "NOOP " + strings.Repeat("x", 1200)
	c.send(long)
	c.expect(500)
	c.send(long)
	c.expect(500)
	c.send(long)
	c.expect(421)

	if !c.closed() {
		t.Error("connection still open after budget exhaustion")
	}
}

func TestSessionCommandTimeout(t *testing.T) {
	_, addr := testServer(t, func(s *Server) { s.CommandTimeout = 200 * time.Millisecond })

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	// A half-sent command times out, costs one budget increment and is
	// discarded. The session continues.
	c.write("MAIL FR")
	c.expect(500)
	c.send("NOOP")
	c.expect(250)

	// Silence with no partial command is the idle case.
	c.expect(421)
	if !c.closed() {
		t.Error("connection still open after idle timeout")
	}
}

func TestSessionVrfyExpnHelp(t *testing.T) {
	_, addr := testServer(t, nil)

	c := dialSMTP(t, addr)
	c.expect(220)
	c.expectEhlo()

	c.send("VRFY user@example.org")
	c.expect(252)
	c.send("EXPN list@example.org")
	c.expect(502)
	c.send("HELP")
	c.expect(214)
}

func TestSessionStartTLS(t *testing.T) {
	cert := selfSignedCert(t)
	_, addr := testServer(t, func(s *Server) {
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	})

	c := dialSMTP(t, addr)
	c.expect(220)
	caps := c.expectEhlo()
	if !contains(caps, "STARTTLS") {
		t.Fatalf("STARTTLS not advertised: %v", caps)
	}

	c.send("STARTTLS")
	c.expect(220)

	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatal(err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)

	// Back to the initial state: EHLO required again, STARTTLS gone.
	c.send("MAIL FROM:<a@b.example>")
	c.expect(503)
	caps = c.expectEhlo()
	if contains(caps, "STARTTLS") {
		t.Error("STARTTLS still advertised after the upgrade")
	}

	c.send("MAIL FROM:<a@b.example>")
	c.expect(250)
	c.send("QUIT")
	c.expect(221)
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test.invalid"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}
