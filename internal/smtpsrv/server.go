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

// Package smtpsrv implements the SMTP protocol engine and connection
// manager: the per-connection state machine, ESMTP extensions (PIPELINING,
// STARTTLS, AUTH, SIZE, 8BITMIME, SMTPUTF8, CHUNKING), per-IP and global
// connection caps and graceful shutdown.
package smtpsrv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-mta/kestrel/framework/dns"
	"github.com/kestrel-mta/kestrel/framework/log"
	"github.com/kestrel-mta/kestrel/internal/antispam"
	"github.com/kestrel-mta/kestrel/internal/auth"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/filter"
	"github.com/kestrel-mta/kestrel/internal/msg"
	"github.com/kestrel-mta/kestrel/internal/store"
)

// RouteKind classifies a recipient at RCPT time.
type RouteKind int

const (
	// RouteLocal delivers to the message store.
	RouteLocal RouteKind = iota
	// RouteRelay enqueues for outbound relay.
	RouteRelay
	// RouteDenied rejects the recipient with 550 (relay access denied).
	RouteDenied
)

// Router decides whether a recipient is local, relayable by this session,
// or denied. A nil Router treats every recipient as local.
type Router interface {
	Route(si events.SessionInfo, rcpt string) RouteKind
}

// RelayBackend accepts messages for outbound relay. Implemented by the
// relay queue.
type RelayBackend interface {
	// Enqueue persists the message for the given subset of its recipients
	// and returns the queue ID.
	Enqueue(ctx context.Context, m *msg.Message, rcpts []string) (string, error)
}

var ErrServerClosed = errors.New("smtpsrv: server closed")

// Server is the SMTP listener. All fields must be set before the first
// Serve call and not changed afterwards.
type Server struct {
	// Hostname used in the greeting, EHLO reply and Received headers.
	Hostname string

	Log log.Logger

	// TLSConfig enables STARTTLS when set. For implicit-TLS listeners
	// pass a tls.Listener to Serve instead.
	TLSConfig *tls.Config

	// Auth enables the AUTH extension when non-empty.
	Auth *auth.Registry
	// RequireAuth rejects MAIL FROM from unauthenticated sessions (530).
	RequireAuth bool
	// InsecureAuth permits AUTH on unencrypted connections.
	InsecureAuth bool

	Filter   filter.Filter     // nil accepts everything
	Store    store.Store       // nil discards local deliveries
	AntiSpam *antispam.Service // nil skips spam evaluation
	Router   Router            // nil routes everything locally
	Relay    RelayBackend      // nil disables relaying
	Events   *events.Bus       // nil drops events
	Resolver dns.Resolver      // nil disables rDNS in Received headers

	MaxMessageSize      int64         // 0 = unlimited
	MaxRecipients       int           // default 100
	MaxConnections      int           // 0 = unlimited
	MaxConnectionsPerIP int           // 0 = unlimited
	MaxRetryCount       int           // failed commands before 421, default 3
	MaxAuthFailures     int           // default 3
	MaxLineLength       int           // command line cap in octets, default 998
	CommandTimeout      time.Duration // per command read, default 30 s
	DataTimeout         time.Duration // default 10 min
	WriteTimeout        time.Duration // default 1 min

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*session]struct{}
	wg        sync.WaitGroup

	inShutdown  atomic.Bool
	globalConns atomic.Int64
	perIP       ipCounts
}

// ipCounts tracks greeted sessions per remote IP. Reservation is a single
// atomic check-and-increment so concurrent accepts cannot overshoot the cap.
type ipCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *ipCounts) reserve(ip string, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	if limit != 0 && c.counts[ip] >= limit {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCounts) release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[ip]--
	if c.counts[ip] <= 0 {
		delete(c.counts, ip)
	}
}

func (srv *Server) maxRecipients() int {
	if srv.MaxRecipients == 0 {
		return 100
	}
	return srv.MaxRecipients
}

func (srv *Server) maxRetryCount() int {
	if srv.MaxRetryCount == 0 {
		return 3
	}
	return srv.MaxRetryCount
}

func (srv *Server) maxAuthFailures() int {
	if srv.MaxAuthFailures == 0 {
		return 3
	}
	return srv.MaxAuthFailures
}

func (srv *Server) maxLineLength() int {
	if srv.MaxLineLength == 0 {
		return defaultMaxLineLength
	}
	return srv.MaxLineLength
}

func (srv *Server) commandTimeout() time.Duration {
	if srv.CommandTimeout == 0 {
		return 30 * time.Second
	}
	return srv.CommandTimeout
}

func (srv *Server) dataTimeout() time.Duration {
	if srv.DataTimeout == 0 {
		return 10 * time.Minute
	}
	return srv.DataTimeout
}

func (srv *Server) writeTimeout() time.Duration {
	if srv.WriteTimeout == 0 {
		return time.Minute
	}
	return srv.WriteTimeout
}

// Serve accepts connections on l until the listener fails or Shutdown is
// called. It always returns a non-nil error; after Shutdown the error is
// ErrServerClosed.
func (srv *Server) Serve(l net.Listener) error {
	if srv.inShutdown.Load() {
		return ErrServerClosed
	}
	srv.trackListener(l, true)
	defer srv.trackListener(l, false)

	var acceptDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.inShutdown.Load() {
				return ErrServerClosed
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Transient accept failure, back off and retry.
				if acceptDelay == 0 {
					acceptDelay = 5 * time.Millisecond
				} else {
					acceptDelay *= 2
				}
				if acceptDelay > time.Second {
					acceptDelay = time.Second
				}
				time.Sleep(acceptDelay)
				continue
			}
			return err
		}
		acceptDelay = 0

		srv.dispatchConn(conn)
	}
}

// dispatchConn applies the capacity checks and starts the session
// goroutine. Capacity is reserved before any protocol work.
func (srv *Server) dispatchConn(conn net.Conn) {
	if srv.inShutdown.Load() {
		srv.rejectConn(conn, "server shutting down")
		sessionsRejected.WithLabelValues("shutdown").Inc()
		return
	}

	// Global cap, atomic check-and-increment.
	if max := int64(srv.MaxConnections); max != 0 {
		for {
			cur := srv.globalConns.Load()
			if cur >= max {
				srv.rejectConn(conn, "too many connections")
				sessionsRejected.WithLabelValues("global_cap").Inc()
				return
			}
			if srv.globalConns.CompareAndSwap(cur, cur+1) {
				break
			}
		}
	} else {
		srv.globalConns.Add(1)
	}

	ip := remoteIP(conn)
	if !srv.perIP.reserve(ip, srv.MaxConnectionsPerIP) {
		srv.globalConns.Add(-1)
		srv.rejectConn(conn, "too many connections from your IP")
		sessionsRejected.WithLabelValues("per_ip_cap").Inc()
		return
	}

	s := newSession(srv, conn)
	srv.trackSession(s, true)
	srv.wg.Add(1)
	sessionsStarted.Inc()
	activeSessions.Inc()

	go func() {
		defer func() {
			srv.trackSession(s, false)
			srv.perIP.release(ip)
			srv.globalConns.Add(-1)
			activeSessions.Dec()
			srv.wg.Done()
		}()
		s.serve(context.Background())
	}()
}

// rejectConn sends a one-line 421 and closes without starting a session.
func (srv *Server) rejectConn(conn net.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "421 4.3.2 %s %s\r\n", srv.Hostname, reason)
	conn.Close()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (srv *Server) trackListener(l net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = map[net.Listener]struct{}{}
	}
	if add {
		srv.listeners[l] = struct{}{}
	} else {
		delete(srv.listeners, l)
	}
}

func (srv *Server) trackSession(s *session, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.sessions == nil {
		srv.sessions = map[*session]struct{}{}
	}
	if add {
		srv.sessions[s] = struct{}{}
	} else {
		delete(srv.sessions, s)
	}
}

// Shutdown stops accepting connections and waits for active sessions to
// finish. When ctx expires first, remaining connections are force-closed.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.inShutdown.Store(true)

	srv.mu.Lock()
	for l := range srv.listeners {
		l.Close()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.mu.Lock()
		for s := range srv.sessions {
			s.conn.Close()
		}
		srv.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
