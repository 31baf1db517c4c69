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

package antispam

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/kestrel-mta/kestrel/internal/testutils"
)

type stubChecker struct {
	name  string
	res   CheckResult
	err   error
	delay time.Duration
}

func (c stubChecker) Name() string { return c.name }

func (c stubChecker) Check(ctx context.Context, _ *Mail) (CheckResult, error) {
	if c.delay != 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return CheckResult{}, ctx.Err()
		}
	}
	return c.res, c.err
}

func testMail() *Mail {
	return &Mail{
		ClientIP: net.ParseIP("192.0.2.1"),
		HELO:     "mx.example.org",
		MailFrom: "sender@example.org",
		RcptTo:   []string{"rcpt@example.com"},
		Raw: []byte("From: Sender <sender@example.org>\r\n" +
			"To: rcpt@example.com\r\n" +
			"Subject: hello\r\n" +
			"Message-Id: <test@example.org>\r\n" +
			"\r\n" +
			"Hello there.\r\n"),
	}
}

func TestServiceCompositeScore(t *testing.T) {
	s := NewService(testutils.Logger(t, "antispam"))
	s.Register(stubChecker{name: "a", res: CheckResult{Score: 20, Reason: "a fired"}}, 1)
	s.Register(stubChecker{name: "b", res: CheckResult{Score: 30}}, 0.5)

	res := s.Evaluate(context.Background(), testMail())
	if res.Score != 35 {
		t.Fatalf("composite score: want 35, got %d", res.Score)
	}
	if res.Scores["a"] != 20 || res.Scores["b"] != 15 {
		t.Fatalf("per-checker scores: %v", res.Scores)
	}
	if res.Action != ActionMark {
		t.Fatalf("action: want mark, got %v", res.Action)
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "a fired") {
		t.Fatalf("reasons: %v", res.Reasons)
	}
}

func TestServiceScoreClamped(t *testing.T) {
	s := NewService(testutils.Logger(t, "antispam"))
	s.Register(stubChecker{name: "a", res: CheckResult{Score: 90}}, 1)
	s.Register(stubChecker{name: "b", res: CheckResult{Score: 90}}, 1)

	res := s.Evaluate(context.Background(), testMail())
	if res.Score != 100 {
		t.Fatalf("score not clamped: %d", res.Score)
	}
	if res.Action != ActionReject {
		t.Fatalf("action: want reject, got %v", res.Action)
	}
}

func TestServiceCheckerErrorFailsOpen(t *testing.T) {
	s := NewService(testutils.Logger(t, "antispam"))
	s.Register(stubChecker{name: "broken", err: errors.New("backend down")}, 1)
	s.Register(stubChecker{name: "ok", res: CheckResult{Score: 10}}, 1)

	res := s.Evaluate(context.Background(), testMail())
	if res.Score != 10 {
		t.Fatalf("score: want 10, got %d", res.Score)
	}
	if res.Action != ActionAccept {
		t.Fatalf("action: want accept, got %v", res.Action)
	}
}

func TestServiceCheckerTimeout(t *testing.T) {
	s := NewService(testutils.Logger(t, "antispam"))
	s.CheckTimeout = 10 * time.Millisecond
	s.Register(stubChecker{name: "slow", res: CheckResult{Score: 90}, delay: time.Second}, 1)

	start := time.Now()
	res := s.Evaluate(context.Background(), testMail())
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("evaluation did not respect the checker timeout")
	}
	if res.Score != 0 {
		t.Fatalf("timed-out checker contributed a score: %d", res.Score)
	}
}

type stubGreylister struct {
	deferIt bool
	err     error
	calls   int
}

func (g *stubGreylister) ShouldDefer(context.Context, *Mail) (bool, error) {
	g.calls++
	return g.deferIt, g.err
}

func TestServiceGreylistBand(t *testing.T) {
	gl := &stubGreylister{deferIt: true}
	s := NewService(testutils.Logger(t, "antispam"))
	s.Greylister = gl
	s.Register(stubChecker{name: "a", res: CheckResult{Score: 55}}, 1)

	res := s.Evaluate(context.Background(), testMail())
	if !res.Defer {
		t.Fatal("expected deferral for unknown tuple")
	}

	gl.deferIt = false
	res = s.Evaluate(context.Background(), testMail())
	if res.Defer {
		t.Fatal("known tuple must not defer")
	}
	if res.Action != ActionMark {
		t.Fatalf("greylist band must degrade to mark, got %v", res.Action)
	}
	if gl.calls != 2 {
		t.Fatalf("greylister calls: %d", gl.calls)
	}
}

func TestServiceGreylistErrorFailsOpen(t *testing.T) {
	s := NewService(testutils.Logger(t, "antispam"))
	s.Greylister = &stubGreylister{err: errors.New("redis down")}
	s.Register(stubChecker{name: "a", res: CheckResult{Score: 55}}, 1)

	res := s.Evaluate(context.Background(), testMail())
	if res.Defer {
		t.Fatal("broken greylister must not defer mail")
	}
}

func TestServiceUnregister(t *testing.T) {
	s := NewService(testutils.Logger(t, "antispam"))
	s.Register(stubChecker{name: "a", res: CheckResult{Score: 95}}, 1)
	s.Unregister("a")

	res := s.Evaluate(context.Background(), testMail())
	if res.Score != 0 || res.Action != ActionAccept {
		t.Fatalf("unregistered checker still scored: %+v", res)
	}
}

func TestResultHeaderLines(t *testing.T) {
	res := &Result{
		Score:  42,
		Scores: map[string]int{"spf": 25, "rbl": 17},
		Action: ActionMark,
		reject: 90,
	}
	lines := res.HeaderLines()

	joined := strings.Join(lines, "\n")
	for _, want := range []string{
		"X-Spam-Score: 42",
		"X-Spam-Status: Yes, score=42 required=90 action=mark",
		"X-Spam-Flag: YES",
		"X-Spam-Checker-Scores: rbl=17 spf=25",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing header line %q in:\n%s", want, joined)
		}
	}
}

func TestSPFCheck(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"example.org.": {TXT: []string{"v=spf1 ip4:192.0.2.0/24 -all"}},
	}}
	c := &SPF{Resolver: r}

	m := testMail()
	res, err := c.Check(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 0 {
		t.Fatalf("pass must score 0, got %d", res.Score)
	}

	m = testMail()
	m.ClientIP = net.ParseIP("198.51.100.7")
	res, err = c.Check(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSpam || res.Score != 50 {
		t.Fatalf("fail verdict: spam=%v score=%d", res.IsSpam, res.Score)
	}
	if len(res.AuthRes) != 1 {
		t.Fatalf("auth results: %v", res.AuthRes)
	}
}

func TestRBLCheck(t *testing.T) {
	r := &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"1.2.0.192.bl.example.": {
			A:   []string{"127.0.0.2"},
			TXT: []string{"listed for testing"},
		},
	}}
	c := &RBL{Resolver: r, Zones: []RBLZone{{Zone: "bl.example"}, {Zone: "other.example"}}}

	res, err := c.Check(context.Background(), testMail())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSpam || res.Score != 30 {
		t.Fatalf("listed verdict: spam=%v score=%d", res.IsSpam, res.Score)
	}
	if !strings.Contains(res.Reason, "bl.example") {
		t.Fatalf("reason: %q", res.Reason)
	}

	m := testMail()
	m.ClientIP = net.ParseIP("203.0.113.9")
	res, err = c.Check(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 0 {
		t.Fatalf("unlisted IP scored %d", res.Score)
	}
}

func TestReverseIP(t *testing.T) {
	rev, err := reverseIP(net.ParseIP("192.0.2.1"))
	if err != nil {
		t.Fatal(err)
	}
	if rev != "1.2.0.192" {
		t.Fatalf("v4 reverse: %q", rev)
	}

	rev, err = reverseIP(net.ParseIP("2001:db8::1"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(rev, "1.0.0.0.") || !strings.HasSuffix(rev, "8.b.d.0.1.0.0.2") {
		t.Fatalf("v6 reverse: %q", rev)
	}
}

func TestContentCheck(t *testing.T) {
	c, err := NewContent([]ContentRule{
		{Keyword: "viagra", Score: 40},
		{Regexp: `free\s+money`, Score: 30},
		{Keyword: "urgent", SubjectOnly: true, Score: 10},
	})
	if err != nil {
		t.Fatal(err)
	}

	m := testMail()
	m.Raw = []byte("From: a@example.org\r\nSubject: URGENT offer\r\n\r\n" +
		"Buy VIAGRA now, free   money for everyone\r\n")
	res, err := c.Check(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 80 {
		t.Fatalf("score: want 80, got %d", res.Score)
	}

	m = testMail()
	res, err = c.Check(context.Background(), m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 0 {
		t.Fatalf("clean message scored %d", res.Score)
	}
}

func TestContentBadRegexp(t *testing.T) {
	if _, err := NewContent([]ContentRule{{Regexp: "("}}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestMailHeaderAndBody(t *testing.T) {
	m := testMail()
	hdr, err := m.Header()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Get("Subject") != "hello" {
		t.Fatalf("subject: %q", hdr.Get("Subject"))
	}
	if string(m.Body()) != "Hello there.\r\n" {
		t.Fatalf("body: %q", m.Body())
	}

	domain, err := m.FromDomain()
	if err != nil {
		t.Fatal(err)
	}
	if domain != "example.org" {
		t.Fatalf("from domain: %q", domain)
	}
	if m.MailFromDomain() != "example.org" {
		t.Fatalf("mail from domain: %q", m.MailFromDomain())
	}

	m.MailFrom = ""
	if m.MailFromDomain() != "mx.example.org" {
		t.Fatalf("null path must fall back to HELO, got %q", m.MailFromDomain())
	}
}
