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
	"errors"
	"net"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/msg"
	"github.com/kestrel-mta/kestrel/internal/queue"
	"github.com/kestrel-mta/kestrel/internal/smtpsrv"
	"github.com/kestrel-mta/kestrel/internal/testutils"
)

func TestBackoffSchedule(t *testing.T) {
	schedule := map[int]time.Duration{
		1:  1 * time.Minute,
		2:  2 * time.Minute,
		3:  4 * time.Minute,
		4:  8 * time.Minute,
		5:  16 * time.Minute,
		6:  32 * time.Minute,
		7:  60 * time.Minute,
		8:  120 * time.Minute,
		9:  240 * time.Minute,
		10: 240 * time.Minute,
		25: 240 * time.Minute,
	}
	for attempt, want := range schedule {
		if got := backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestGroupByDomain(t *testing.T) {
	groups := groupByDomain([]string{
		"a@one.example",
		"b@two.example",
		"c@ONE.example",
	})

	want := []rcptGroup{
		{domain: "one.example", rcpts: []string{"a@one.example", "c@ONE.example"}},
		{domain: "two.example", rcpts: []string{"b@two.example"}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groupByDomain: got %v, want %v", groups, want)
	}
}

func TestTargetsForDomainRouting(t *testing.T) {
	r := &Relay{
		UseMxRouting: true,
		DomainRouting: map[string][]string{
			"pinned.example": {"relay1.example:2525", "relay2.example"},
		},
	}

	// Routing overrides must win without touching DNS (Resolver is nil).
	targets, err := r.targetsFor(context.Background(), "pinned.example")
	if err != nil {
		t.Fatal(err)
	}
	want := []target{
		{host: "relay1.example", port: 2525},
		{host: "relay2.example", port: 25},
	}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("got %v, want %v", targets, want)
	}
}

func TestTargetsForMX(t *testing.T) {
	r := &Relay{
		UseMxRouting: true,
		Resolver: &mockdns.Resolver{Zones: map[string]mockdns.Zone{
			"dst.example.": {MX: []net.MX{
				{Host: "backup.dst.example.", Pref: 20},
				{Host: "mx.dst.example.", Pref: 10},
			}},
		}},
	}

	targets, err := r.targetsFor(context.Background(), "dst.example")
	if err != nil {
		t.Fatal(err)
	}
	want := []target{
		{host: "mx.dst.example", port: 25},
		{host: "backup.dst.example", port: 25},
	}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("got %v, want %v", targets, want)
	}
}

func TestTargetsForNullMX(t *testing.T) {
	r := &Relay{
		UseMxRouting: true,
		Resolver: &mockdns.Resolver{Zones: map[string]mockdns.Zone{
			"nomail.example.": {MX: []net.MX{{Host: ".", Pref: 0}}},
		}},
	}

	_, err := r.targetsFor(context.Background(), "nomail.example")
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected an SMTPError, got %v", err)
	}
	if smtpErr.Code != 556 {
		t.Errorf("code = %d, want 556", smtpErr.Code)
	}
	if smtpErr.EnhancedCode != (exterrors.EnhancedCode{5, 1, 10}) {
		t.Errorf("enhanced code = %v, want 5.1.10", smtpErr.EnhancedCode)
	}
}

func TestTargetsForNoMXFallsBackToSmartHost(t *testing.T) {
	r := &Relay{
		UseMxRouting:     true,
		Resolver:         &mockdns.Resolver{Zones: map[string]mockdns.Zone{}},
		DefaultSmartHost: "smart.example:2525",
	}

	targets, err := r.targetsFor(context.Background(), "unknown.example")
	if err != nil {
		t.Fatal(err)
	}
	want := []target{{host: "smart.example", port: 2525}}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("got %v, want %v", targets, want)
	}
}

func TestSmartHostTiers(t *testing.T) {
	r := &Relay{
		DefaultSmartHost: "first.example",
		SmartHosts: []SmartHost{
			{Host: "tier2.example", Priority: 20},
			{Host: "tier1.example", Priority: 10, Port: 587},
		},
	}

	targets, err := r.targetsFor(context.Background(), "dst.example")
	if err != nil {
		t.Fatal(err)
	}
	want := []target{
		{host: "first.example", port: 25},
		{host: "tier1.example", port: 587},
		{host: "tier2.example", port: 25},
	}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("got %v, want %v", targets, want)
	}
}

func TestWeightedOrderKeepsAllHosts(t *testing.T) {
	tier := []SmartHost{
		{Host: "a.example", Weight: 5},
		{Host: "b.example", Weight: 1},
		{Host: "c.example"}, // weight 0 counts as 1
	}

	for i := 0; i < 50; i++ {
		out := weightedOrder(tier)
		if len(out) != len(tier) {
			t.Fatalf("lost hosts: %v", out)
		}
		seen := map[string]bool{}
		for _, sh := range out {
			seen[sh.Host] = true
		}
		if len(seen) != len(tier) {
			t.Fatalf("duplicate hosts: %v", out)
		}
	}
}

func TestPolicyRoute(t *testing.T) {
	_, trusted, err := net.ParseCIDR("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	p := &Policy{
		LocalDomains:  []string{"example.org"},
		RelayDomains:  []string{"backup.example"},
		RelayNetworks: []*net.IPNet{trusted},
	}

	addr := func(ip string) net.Addr {
		return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
	}

	check := func(name string, si events.SessionInfo, rcpt string, want smtpsrv.RouteKind) {
		t.Helper()
		if got := p.Route(si, rcpt); got != want {
			t.Errorf("%s: Route(%q) = %v, want %v", name, rcpt, got, want)
		}
	}

	check("local domain", events.SessionInfo{RemoteAddr: addr("192.0.2.1")},
		"user@example.org", smtpsrv.RouteLocal)
	check("local domain case-folded", events.SessionInfo{RemoteAddr: addr("192.0.2.1")},
		"user@EXAMPLE.ORG", smtpsrv.RouteLocal)
	check("foreign unauthenticated", events.SessionInfo{RemoteAddr: addr("192.0.2.1")},
		"user@elsewhere.example", smtpsrv.RouteDenied)
	check("foreign authenticated", events.SessionInfo{RemoteAddr: addr("192.0.2.1"), AuthUser: "submitter"},
		"user@elsewhere.example", smtpsrv.RouteRelay)
	check("relay domain", events.SessionInfo{RemoteAddr: addr("192.0.2.1")},
		"user@backup.example", smtpsrv.RouteRelay)
	check("trusted network", events.SessionInfo{RemoteAddr: addr("10.1.2.3")},
		"user@elsewhere.example", smtpsrv.RouteRelay)
}

func TestToSMTPErr(t *testing.T) {
	passthrough := &exterrors.SMTPError{Code: 552, EnhancedCode: exterrors.EnhancedCode{5, 2, 2}, Message: "Over quota"}
	if got := toSMTPErr(passthrough); got != passthrough {
		t.Errorf("SMTPError not passed through: %v", got)
	}

	tempErr := toSMTPErr(exterrors.WithTemporary(errors.New("conn reset"), true))
	if tempErr.Code != 451 {
		t.Errorf("temporary error code = %d, want 451", tempErr.Code)
	}

	permErr := toSMTPErr(exterrors.WithTemporary(errors.New("no"), false))
	if permErr.Code != 554 {
		t.Errorf("permanent error code = %d, want 554", permErr.Code)
	}
}

func TestWrapRemoteErr(t *testing.T) {
	remote := &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	wrapped := wrapRemoteErr(remote, "mx.dst.example")

	var smtpErr *exterrors.SMTPError
	if !errors.As(wrapped, &smtpErr) {
		t.Fatalf("expected SMTPError, got %v", wrapped)
	}
	if smtpErr.Code != 550 || smtpErr.Message != "No such user" {
		t.Errorf("reply not preserved: %v", smtpErr)
	}
	if exterrors.IsTemporaryOrUnspec(wrapped) {
		t.Error("5xx reply reported as temporary")
	}
	if smtpErr.Misc["remote_server"] != "mx.dst.example" {
		t.Errorf("remote server not recorded: %v", smtpErr.Misc)
	}

	netErr := wrapRemoteErr(errors.New("connection reset"), "mx.dst.example")
	if !exterrors.IsTemporaryOrUnspec(netErr) {
		t.Error("network error not classified as temporary")
	}
}

func testRelay(t *testing.T) (*Relay, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), testutils.Logger(t, "queue"))
	if err != nil {
		t.Fatal(err)
	}
	return &Relay{
		Log:               testutils.Logger(t, "relay"),
		Queue:             q,
		ConnectionTimeout: 5 * time.Second,
	}, q
}

func waitTerminal(t *testing.T, q *queue.Queue, id string) *queue.Entry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if entry := q.Get(id); entry != nil && entry.Status.Terminal() {
			return entry
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue entry did not reach a terminal status")
	return nil
}

const testRaw = "From: sender@example.org\r\n" +
	"To: user@dst.example\r\n" +
	"Subject: test\r\n" +
	"\r\n" +
	"Hello.\r\n"

func TestRelayDeliver(t *testing.T) {
	be, addr := testutils.SMTPServer(t)

	r, q := testRelay(t)
	r.Hostname = "mx.sender.example"
	r.DefaultSmartHost = addr
	r.Start()
	defer r.Close()

	m := msg.New(msg.Envelope{
		MailFrom: "sender@example.org",
		RcptTo:   []string{"user@dst.example"},
	}, []byte(testRaw))
	id, err := r.Enqueue(context.Background(), m, m.Envelope.RcptTo)
	if err != nil {
		t.Fatal(err)
	}

	got := be.Wait(t)
	if got.From != "sender@example.org" {
		t.Errorf("MAIL FROM = %q", got.From)
	}
	if !reflect.DeepEqual(got.To, []string{"user@dst.example"}) {
		t.Errorf("RCPT TO = %v", got.To)
	}
	if !strings.Contains(string(got.Data), "Hello.") {
		t.Errorf("body not relayed: %q", got.Data)
	}

	entry := waitTerminal(t, q, id)
	if entry.Status != queue.StatusDelivered {
		t.Errorf("status = %v, want %v", entry.Status, queue.StatusDelivered)
	}
	if entry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", entry.Attempts)
	}
}

func TestRelaySmartHostFailover(t *testing.T) {
	be, liveAddr := testutils.SMTPServer(t)
	deadAddr := testutils.DeadAddr(t)

	deadHost, deadPort := splitAddr(t, deadAddr)
	liveHost, livePort := splitAddr(t, liveAddr)

	r, q := testRelay(t)
	r.Hostname = "mx.sender.example"
	r.SmartHosts = []SmartHost{
		{Host: deadHost, Port: deadPort, Priority: 10},
		{Host: liveHost, Port: livePort, Priority: 20},
	}
	r.Start()
	defer r.Close()

	m := msg.New(msg.Envelope{
		MailFrom: "sender@example.org",
		RcptTo:   []string{"user@dst.example"},
	}, []byte(testRaw))
	id, err := r.Enqueue(context.Background(), m, m.Envelope.RcptTo)
	if err != nil {
		t.Fatal(err)
	}

	be.Wait(t)

	// Fallback happens inside the attempt, not via a retry.
	entry := waitTerminal(t, q, id)
	if entry.Status != queue.StatusDelivered {
		t.Errorf("status = %v, want %v", entry.Status, queue.StatusDelivered)
	}
	if entry.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", entry.Attempts)
	}
}

func TestRelayAuthSmartHost(t *testing.T) {
	be, addr := testutils.SMTPServer(t)
	be.Username = "relay-user"
	be.Password = "secret"

	host, port := splitAddr(t, addr)

	r, q := testRelay(t)
	r.Hostname = "mx.sender.example"
	r.SmartHosts = []SmartHost{
		{Host: host, Port: port, Username: "relay-user", Password: "secret"},
	}
	r.Start()
	defer r.Close()

	m := msg.New(msg.Envelope{
		MailFrom: "sender@example.org",
		RcptTo:   []string{"user@dst.example"},
	}, []byte(testRaw))
	id, err := r.Enqueue(context.Background(), m, m.Envelope.RcptTo)
	if err != nil {
		t.Fatal(err)
	}

	got := be.Wait(t)
	if got.AuthUser != "relay-user" {
		t.Errorf("authenticated as %q", got.AuthUser)
	}
	entry := waitTerminal(t, q, id)
	if entry.Status != queue.StatusDelivered {
		t.Errorf("status = %v, want %v", entry.Status, queue.StatusDelivered)
	}
}

func TestRelayRejectionBounces(t *testing.T) {
	be, addr := testutils.SMTPServer(t)
	be.RcptErrs = map[string]*smtp.SMTPError{
		"user@dst.example": {
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		},
	}

	r, q := testRelay(t)
	r.Hostname = "mx.sender.example"
	r.DefaultSmartHost = addr
	r.EnableBounce = true
	r.Start()
	defer r.Close()

	m := msg.New(msg.Envelope{
		MailFrom: "sender@example.org",
		RcptTo:   []string{"user@dst.example"},
	}, []byte(testRaw))
	id, err := r.Enqueue(context.Background(), m, m.Envelope.RcptTo)
	if err != nil {
		t.Fatal(err)
	}

	entry := waitTerminal(t, q, id)
	if entry.Status != queue.StatusFailed {
		t.Errorf("status = %v, want %v", entry.Status, queue.StatusFailed)
	}
	rcptErr := entry.RcptErrs["user@dst.example"]
	if rcptErr == nil || rcptErr.Code != 550 {
		t.Errorf("remote reply not recorded: %v", rcptErr)
	}

	// The bounce goes out through the same smart host, back to the sender
	// with a null reverse-path.
	bounce := be.Wait(t)
	if bounce.From != "" {
		t.Errorf("bounce MAIL FROM = %q, want null reverse-path", bounce.From)
	}
	if !reflect.DeepEqual(bounce.To, []string{"sender@example.org"}) {
		t.Errorf("bounce RCPT TO = %v", bounce.To)
	}
	if !strings.Contains(string(bounce.Data), "No such user") {
		t.Error("bounce does not carry the remote diagnostic")
	}
}

func TestRelayTemporaryRejectionDefers(t *testing.T) {
	be, addr := testutils.SMTPServer(t)
	be.RcptErrs = map[string]*smtp.SMTPError{
		"user@dst.example": {
			Code:         450,
			EnhancedCode: smtp.EnhancedCode{4, 2, 1},
			Message:      "Greylisted, try again later",
		},
	}

	r, q := testRelay(t)
	r.Hostname = "mx.sender.example"
	r.DefaultSmartHost = addr
	r.Start()
	defer r.Close()

	m := msg.New(msg.Envelope{
		MailFrom: "sender@example.org",
		RcptTo:   []string{"user@dst.example"},
	}, []byte(testRaw))
	id, err := r.Enqueue(context.Background(), m, m.Envelope.RcptTo)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if entry := q.Get(id); entry != nil && entry.Status == queue.StatusDeferred {
			if got := time.Until(entry.NextAttempt); got < 30*time.Second {
				t.Errorf("next attempt in %v, expected the first backoff step", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue entry was not deferred")
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}
