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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kestrel-mta/kestrel/framework/dns"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/framework/future"
	"github.com/kestrel-mta/kestrel/framework/log"
	"github.com/kestrel-mta/kestrel/internal/antispam"
	"github.com/kestrel-mta/kestrel/internal/auth"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/filter"
	"github.com/kestrel-mta/kestrel/internal/msg"
)

type session struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	id        string
	log       log.Logger
	state     sessionState
	startedAt time.Time

	tls      bool
	helo     string
	ehlo     bool
	authUser string

	authFailures int
	errCount     int
	accepted     int

	env msg.Envelope

	// BDAT chunk accumulation.
	bdatBuf     bytes.Buffer
	bdatStarted bool

	rdns *future.Future[string]
}

func newSession(srv *Server, conn net.Conn) *session {
	_, isTLS := conn.(*tls.Conn)
	s := &session{
		srv:       srv,
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		id:        uuid.New().String(),
		state:     stateGreeting,
		startedAt: time.Now(),
		tls:       isTLS,
	}
	s.log = srv.Log
	s.log.Fields = map[string]any{
		"session": s.id,
		"src":     conn.RemoteAddr().String(),
	}

	if srv.Resolver != nil {
		s.rdns = future.New[string]()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			name, err := dns.LookupAddr(ctx, srv.Resolver, net.ParseIP(remoteIP(conn)))
			s.rdns.Set(name, err)
		}()
	}

	return s
}

func (s *session) info() events.SessionInfo {
	return events.SessionInfo{
		ID:         s.id,
		RemoteAddr: s.conn.RemoteAddr(),
		TLS:        s.tls,
		AuthUser:   s.authUser,
	}
}

func (s *session) serve(ctx context.Context) {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			s.log.Msg("panic in session", "err", err, "stack", string(stack))
		}
		s.conn.Close()
		s.state = stateClosed
		s.srv.Events.PublishSessionCompleted(events.SessionCompleted{
			Session:  s.info(),
			Time:     time.Now(),
			Duration: time.Since(s.startedAt),
			Messages: s.accepted,
		})
	}()

	s.srv.Events.PublishSessionCreated(events.SessionCreated{
		Session: s.info(),
		Time:    s.startedAt,
	})

	s.reply(220, exterrors.EnhancedCode{}, s.srv.Hostname+" ESMTP Kestrel ready")
	s.transition(stateWaitHelo)

	for s.state != stateClosing && s.state != stateClosed {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.commandTimeout()))
		line, err := readLine(s.r, s.srv.maxLineLength())
		if err != nil {
			if s.handleReadErr(err) {
				continue
			}
			return
		}

		s.dispatch(ctx, parseCommand(line))
	}
}

// handleReadErr classifies a failed command read and reports whether the
// session survives it. An over-long line (already drained by readLine) and
// a deadline that interrupted a half-received command are protocol errors
// charged against the error budget. A deadline with nothing received is
// the idle case and closes the session.
func (s *session) handleReadErr(err error) bool {
	var nerr net.Error
	switch {
	case errors.Is(err, ErrLineTooLong):
		s.commandFailed("-", parseErr(500, exterrors.EnhancedCode{5, 5, 2}, "Line too long"))
		return s.state != stateClosing && s.state != stateClosed
	case errors.As(err, &nerr) && nerr.Timeout():
		if s.r.Buffered() != 0 {
			// The client stalled mid-command. Drop the partial line so
			// the next read starts clean.
			s.r.Discard(s.r.Buffered())
			s.commandFailed("-", parseErr(500, exterrors.EnhancedCode{5, 4, 2}, "Command timeout, input discarded"))
			return s.state != stateClosing && s.state != stateClosed
		}
		s.reply(421, exterrors.EnhancedCode{4, 4, 2}, s.srv.Hostname+" Idle timeout, closing connection")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		s.log.DebugMsg("connection closed by client")
	default:
		s.log.Error("read error", err)
	}
	s.state = stateClosed
	return false
}

// dataReadErr closes the session. Unlike command reads, a partially
// transferred payload leaves the stream with no safe resynchronization
// point.
func (s *session) dataReadErr(err error) {
	var nerr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		s.log.DebugMsg("connection closed by client")
	case errors.As(err, &nerr) && nerr.Timeout():
		s.reply(421, exterrors.EnhancedCode{4, 4, 2}, s.srv.Hostname+" Data timeout, closing connection")
	default:
		s.log.Error("read error", err)
	}
	s.state = stateClosed
}

func (s *session) dispatch(ctx context.Context, cmd command) {
	var err error
	switch cmd.Verb {
	case "HELO":
		err = s.handleHelo(cmd.Arg, false)
	case "EHLO":
		err = s.handleHelo(cmd.Arg, true)
	case "MAIL":
		err = s.handleMail(ctx, cmd.Arg)
	case "RCPT":
		err = s.handleRcpt(ctx, cmd.Arg)
	case "DATA":
		err = s.handleData(ctx, cmd.Arg)
	case "BDAT":
		err = s.handleBdat(ctx, cmd.Arg)
	case "STARTTLS":
		err = s.handleStartTLS(cmd.Arg)
	case "AUTH":
		err = s.handleAuth(ctx, cmd.Arg)
	case "RSET":
		s.resetTransaction()
		if s.state == stateInMail || s.state == stateInRcpt {
			s.transition(stateIdle)
		}
		s.reply(250, exterrors.EnhancedCode{2, 0, 0}, "Flushed")
	case "NOOP":
		s.reply(250, exterrors.EnhancedCode{2, 0, 0}, "OK")
	case "VRFY":
		// Mailbox existence is never disclosed.
		s.reply(252, exterrors.EnhancedCode{2, 5, 2}, "Cannot VRFY user, but will accept message and attempt delivery")
	case "EXPN":
		err = &exterrors.SMTPError{
			Code:         502,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "EXPN not supported",
		}
	case "HELP":
		s.reply(214, exterrors.EnhancedCode{2, 0, 0}, "Supported commands: HELO EHLO MAIL RCPT DATA BDAT RSET NOOP QUIT VRFY STARTTLS AUTH")
	case "QUIT":
		s.reply(221, exterrors.EnhancedCode{2, 0, 0}, s.srv.Hostname+" Bye")
		s.transition(stateClosing)
	default:
		err = &exterrors.SMTPError{
			Code:         500,
			EnhancedCode: exterrors.EnhancedCode{5, 5, 1},
			Message:      "Unknown command",
			Misc:         map[string]any{"verb": cmd.Verb},
		}
	}

	if err != nil {
		s.commandFailed(cmd.Verb, err)
	} else {
		s.commandSucceeded(cmd.Verb)
	}
}

// commandFailed replies with the error and advances the per-session error
// budget. The failure that exhausts the budget is answered with 421 instead
// of its own reply. Policy rejections (55x) and transient failures (4xx) do
// not count, per the error taxonomy.
func (s *session) commandFailed(verb string, err error) {
	if !countsAgainstBudget(err) {
		s.replyErr(verb, err)
		return
	}

	s.errCount++
	if s.errCount >= s.srv.maxRetryCount() {
		s.log.Msg("too many failed commands, closing", "count", s.errCount)
		commandsTotal.WithLabelValues(verb, "5xx").Inc()
		s.reply(421, exterrors.EnhancedCode{4, 7, 0}, "Too many errors, closing connection")
		s.transition(stateClosing)
		return
	}
	s.replyErr(verb, err)
}

func countsAgainstBudget(err error) bool {
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		return false
	}
	// 500-504 syntax/sequence errors and 53x auth errors count, policy
	// rejections (550+) and transient 4xx failures do not.
	return smtpErr.Code/100 == 5 && smtpErr.Code < 550
}

func (s *session) commandSucceeded(verb string) {
	s.errCount = 0
	commandsTotal.WithLabelValues(verb, "ok").Inc()
}

func (s *session) handleHelo(arg string, ehlo bool) error {
	if arg == "" {
		return parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Hostname argument required")
	}
	if s.state == stateInData || s.state == stateInAuth {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "Bad sequence of commands")
	}

	s.helo = arg
	s.ehlo = ehlo
	s.resetTransaction()
	switch s.state {
	case stateWaitHelo:
		s.transition(stateIdle)
	case stateInMail, stateInRcpt:
		s.transition(stateIdle)
	}

	if !ehlo {
		s.reply(250, exterrors.EnhancedCode{}, s.srv.Hostname)
		return nil
	}

	caps := []string{
		"PIPELINING",
		"8BITMIME",
		"SMTPUTF8",
		"ENHANCEDSTATUSCODES",
		"CHUNKING",
		"HELP",
	}
	if s.srv.MaxMessageSize != 0 {
		caps = append(caps, fmt.Sprintf("SIZE %d", s.srv.MaxMessageSize))
	} else {
		caps = append(caps, "SIZE")
	}
	if s.srv.TLSConfig != nil && !s.tls {
		caps = append(caps, "STARTTLS")
	}
	if !s.srv.Auth.Empty() && (s.tls || s.srv.InsecureAuth) {
		caps = append(caps, "AUTH "+strings.Join(s.srv.Auth.Mechanisms(), " "))
	}

	s.multiReply(250, append([]string{s.srv.Hostname + " Nice to meet you"}, caps...))
	return nil
}

func (s *session) handleMail(ctx context.Context, arg string) error {
	if s.state != stateIdle {
		if s.state == stateWaitHelo {
			return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "Introduce yourself first (EHLO)")
		}
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "Nested MAIL command")
	}
	if s.srv.RequireAuth && s.authUser == "" {
		return &exterrors.SMTPError{
			Code:         530,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	args, err := parseMail(arg)
	if err != nil {
		return err
	}
	if s.srv.MaxMessageSize != 0 && args.Size > s.srv.MaxMessageSize {
		return &exterrors.SMTPError{
			Code:         552,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds fixed maximum",
		}
	}

	if s.srv.Filter != nil {
		ok, err := s.srv.Filter.CanAcceptFrom(ctx, s.filterState(args.Size), args.From)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Internal error during sender check",
				Err:          err,
			}
		}
		if !ok {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Sender address rejected",
				Misc:         map[string]any{"from": args.From},
			}
		}
	}

	s.env = msg.Envelope{
		MailFrom: args.From,
		SizeHint: args.Size,
		Body:     msg.BodyType(args.Body),
		UTF8:     args.UTF8,
	}
	s.transition(stateInMail)
	s.reply(250, exterrors.EnhancedCode{2, 1, 0}, "OK")
	return nil
}

func (s *session) handleRcpt(ctx context.Context, arg string) error {
	if s.state != stateInMail && s.state != stateInRcpt {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "MAIL first")
	}

	args, err := parseRcpt(arg)
	if err != nil {
		return err
	}
	if len(s.env.RcptTo) >= s.srv.maxRecipients() {
		return &exterrors.SMTPError{
			Code:         452,
			EnhancedCode: exterrors.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	if s.srv.Router != nil && s.srv.Router.Route(s.info(), args.To) == RouteDenied {
		return &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Relay access denied",
			Misc:         map[string]any{"to": args.To},
		}
	}

	if s.srv.Filter != nil {
		ok, err := s.srv.Filter.CanDeliverTo(ctx, s.filterState(0), args.To)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Internal error during recipient check",
				Err:          err,
			}
		}
		if !ok {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "Recipient address rejected",
				Misc:         map[string]any{"to": args.To},
			}
		}
	}

	s.env.RcptTo = append(s.env.RcptTo, args.To)
	s.transition(stateInRcpt)
	s.reply(250, exterrors.EnhancedCode{2, 1, 5}, "OK")
	return nil
}

func (s *session) handleData(ctx context.Context, arg string) error {
	if arg != "" {
		return parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "DATA takes no arguments")
	}
	if s.state != stateInRcpt {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "RCPT first")
	}
	if s.bdatStarted {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "DATA cannot follow BDAT")
	}

	s.transition(stateInData)
	s.reply(354, exterrors.EnhancedCode{}, "Start mail input; end with <CRLF>.<CRLF>")

	s.conn.SetReadDeadline(time.Now().Add(s.srv.dataTimeout()))
	raw, rawBytes, err := readDotStuffed(s.r, s.srv.MaxMessageSize)
	if err != nil {
		s.transition(stateIdle)
		s.resetTransaction()
		switch {
		case errors.Is(err, ErrMessageTooBig):
			return &exterrors.SMTPError{
				Code:         552,
				EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
				Message:      "Message size exceeds fixed maximum",
			}
		case errors.Is(err, ErrLineTooLong):
			return &exterrors.SMTPError{
				Code:         500,
				EnhancedCode: exterrors.EnhancedCode{5, 5, 2},
				Message:      "Line too long",
			}
		default:
			s.dataReadErr(err)
			return nil
		}
	}
	s.log.DebugMsg("data received", "decoded_bytes", len(raw), "wire_bytes", rawBytes)

	err = s.finishMessage(ctx, raw)
	s.transition(stateIdle)
	s.resetTransaction()
	return err
}

func (s *session) handleBdat(ctx context.Context, arg string) error {
	args, err := parseBdat(arg)
	if err != nil {
		return err
	}

	if s.state != stateInRcpt && !(s.state == stateInData && s.bdatStarted) {
		// The chunk has to be consumed anyway to keep the stream
		// synchronized.
		io.CopyN(io.Discard, s.r, args.Size)
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "RCPT first")
	}

	if s.state == stateInRcpt {
		s.transition(stateInData)
		s.bdatStarted = true
		s.bdatBuf.Reset()
	}

	s.conn.SetReadDeadline(time.Now().Add(s.srv.dataTimeout()))
	if _, err := io.CopyN(&s.bdatBuf, s.r, args.Size); err != nil {
		s.dataReadErr(err)
		return nil
	}
	if max := s.srv.MaxMessageSize; max != 0 && int64(s.bdatBuf.Len()) > max {
		// Consume remaining chunks silently is not possible, hang up
		// politely instead.
		s.bdatStarted = false
		s.transition(stateIdle)
		s.resetTransaction()
		return &exterrors.SMTPError{
			Code:         552,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds fixed maximum",
		}
	}

	if !args.Last {
		s.reply(250, exterrors.EnhancedCode{2, 0, 0}, fmt.Sprintf("%d octets received", args.Size))
		return nil
	}

	raw := normalizeCRLF(s.bdatBuf.Bytes())
	s.bdatStarted = false
	s.bdatBuf.Reset()

	err = s.finishMessage(ctx, raw)
	s.transition(stateIdle)
	s.resetTransaction()
	return err
}

// finishMessage runs the post-payload pipeline: spam evaluation, trace and
// annotation headers, listener verdicts, store and relay hand-off, and the
// final 250.
func (s *session) finishMessage(ctx context.Context, raw []byte) error {
	var annotations []string

	if s.srv.AntiSpam != nil {
		res := s.srv.AntiSpam.Evaluate(ctx, s.mailForChecks(raw))

		switch {
		case res.Defer:
			messagesRejected.WithLabelValues("greylist").Inc()
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "Greylisted, please try again later",
				Reason:       "greylist defer",
				Misc:         map[string]any{"score": res.Score},
			}
		case res.Action == antispam.ActionReject:
			messagesRejected.WithLabelValues("spam").Inc()
			s.srv.Events.PublishMessageRejected(events.MessageRejected{
				Session: s.info(),
				Code:    550,
				Reason:  "spam score " + fmt.Sprint(res.Score),
			})
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected as spam",
				Reason:       "spam rejection",
				Misc:         map[string]any{"score": res.Score},
			}
		}

		annotations = res.HeaderLines()
		if res.Action == antispam.ActionQuarantine {
			s.log.Msg("message quarantined", "score", res.Score)
		}

		m, err := s.assembleMessage(raw, annotations, res)
		if err != nil {
			return err
		}
		return s.deliverMessage(ctx, m, res.Action == antispam.ActionQuarantine)
	}

	m, err := s.assembleMessage(raw, annotations, nil)
	if err != nil {
		return err
	}
	return s.deliverMessage(ctx, m, false)
}

func (s *session) assembleMessage(raw []byte, annotations []string, res *antispam.Result) (*msg.Message, error) {
	var hdr strings.Builder
	hdr.WriteString(s.receivedHeader())
	for _, line := range annotations {
		hdr.WriteString(line)
		hdr.WriteString("\r\n")
	}
	if res != nil {
		if ar := res.AuthResultsHeader(s.srv.Hostname); ar != "" {
			hdr.WriteString(ar)
			hdr.WriteString("\r\n")
		}
	}

	full := append([]byte(hdr.String()), raw...)
	return msg.New(s.env, full), nil
}

func (s *session) deliverMessage(ctx context.Context, m *msg.Message, quarantined bool) error {
	if verdict := s.srv.Events.PublishMessageReceived(events.MessageReceived{
		Session: s.info(),
		Message: m,
	}); verdict.Cancel {
		messagesRejected.WithLabelValues("listener").Inc()
		s.srv.Events.PublishMessageRejected(events.MessageRejected{
			Session: s.info(),
			Message: m,
			Code:    verdict.Code,
			Reason:  verdict.Message,
		})
		return &exterrors.SMTPError{
			Code:         verdict.Code,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      verdict.Message,
			Reason:       "listener verdict",
		}
	}

	local, relayed := s.splitRecipients(m.Envelope.RcptTo)

	if len(local) != 0 && s.srv.Store != nil {
		if err := s.srv.Store.Save(ctx, s.info(), m); err != nil {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Temporary failure, try again later",
				Err:          err,
				Reason:       "store failure",
			}
		}
	}

	// Quarantined messages are stored for review but never relayed.
	if len(relayed) != 0 && s.srv.Relay != nil && !quarantined {
		queueID, err := s.srv.Relay.Enqueue(ctx, m, relayed)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Temporary failure, try again later",
				Err:          err,
				Reason:       "queue failure",
			}
		}
		s.log.Msg("message queued for relay", "queue_id", queueID, "rcpts", len(relayed))
	}

	s.accepted++
	messagesAccepted.Inc()
	s.reply(250, exterrors.EnhancedCode{2, 0, 0}, "OK: queued as "+m.ID)
	return nil
}

func (s *session) splitRecipients(rcpts []string) (local, relayed []string) {
	if s.srv.Router == nil {
		return rcpts, nil
	}
	si := s.info()
	for _, rcpt := range rcpts {
		switch s.srv.Router.Route(si, rcpt) {
		case RouteRelay:
			relayed = append(relayed, rcpt)
		default:
			local = append(local, rcpt)
		}
	}
	return local, relayed
}

func (s *session) handleStartTLS(arg string) error {
	if arg != "" {
		return parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "STARTTLS takes no arguments")
	}
	if s.srv.TLSConfig == nil {
		return parseErr(502, exterrors.EnhancedCode{5, 5, 1}, "TLS not configured")
	}
	if s.tls {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "Already using TLS")
	}
	if s.state == stateInMail || s.state == stateInRcpt || s.state == stateInData {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "STARTTLS during transaction")
	}

	s.reply(220, exterrors.EnhancedCode{}, "Ready to start TLS")
	// Plaintext bytes pipelined after STARTTLS must not survive into the
	// encrypted stream. The buffered reader is replaced wholesale.

	tlsConn := tls.Server(s.conn, s.srv.TLSConfig)
	tlsConn.SetDeadline(time.Now().Add(s.srv.commandTimeout()))
	if err := tlsConn.Handshake(); err != nil {
		// A failed handshake leaves the stream unusable, close without
		// touching the error budget.
		s.log.Error("TLS handshake failed", err)
		s.state = stateClosed
		return nil
	}
	tlsConn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.r = bufio.NewReader(tlsConn)
	s.w = bufio.NewWriter(tlsConn)
	s.tls = true

	// RFC 3207: back to the initial state, prior EHLO is forgotten.
	s.helo = ""
	s.ehlo = false
	s.authUser = ""
	s.resetTransaction()
	s.state = stateWaitHelo
	return nil
}

func (s *session) handleAuth(ctx context.Context, arg string) error {
	if s.srv.Auth.Empty() {
		return parseErr(502, exterrors.EnhancedCode{5, 5, 1}, "AUTH not available")
	}
	if s.authUser != "" {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "Already authenticated")
	}
	if s.state != stateIdle {
		return parseErr(503, exterrors.EnhancedCode{5, 5, 1}, "Bad sequence of commands")
	}
	if !s.tls && !s.srv.InsecureAuth {
		return &exterrors.SMTPError{
			Code:         538,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 11},
			Message:      "Encryption required for requested authentication mechanism",
		}
	}

	mech, initialB64, _ := strings.Cut(arg, " ")
	if mech == "" {
		return parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Mechanism argument required")
	}
	authr, err := s.srv.Auth.Get(strings.ToUpper(mech))
	if err != nil {
		return parseErr(504, exterrors.EnhancedCode{5, 5, 4}, "Unsupported authentication mechanism")
	}

	var initial []byte
	switch initialB64 {
	case "":
		initial = nil
	case "=":
		initial = []byte{}
	default:
		initial, err = decodeB64(initialB64)
		if err != nil {
			return parseErr(501, exterrors.EnhancedCode{5, 5, 2}, "Malformed base64")
		}
	}

	s.transition(stateInAuth)
	identity, err := authr.Authenticate(ctx, &challengeIO{s: s}, initial)
	s.transition(stateIdle)

	if err != nil {
		s.srv.Events.PublishAuthResult(events.AuthResult{
			Session:   s.info(),
			Mechanism: authr.Mechanism(),
			Success:   false,
		})
		s.authFailures++
		if s.authFailures >= s.srv.maxAuthFailures() {
			s.reply(421, exterrors.EnhancedCode{4, 7, 0}, "Too many authentication failures, closing connection")
			s.transition(stateClosing)
			return nil
		}

		switch {
		case errors.Is(err, auth.ErrCancelled):
			return parseErr(501, exterrors.EnhancedCode{5, 0, 0}, "Authentication cancelled")
		case errors.Is(err, auth.ErrInvalidCredentials):
			return &exterrors.SMTPError{
				Code:         535,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		default:
			return &exterrors.SMTPError{
				Code:         454,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
				Message:      "Temporary authentication failure",
				Err:          err,
			}
		}
	}

	s.authUser = identity
	s.authFailures = 0
	s.srv.Events.PublishAuthResult(events.AuthResult{
		Session:   s.info(),
		Mechanism: authr.Mechanism(),
		Identity:  identity,
		Success:   true,
	})
	s.log.Msg("authentication successful", "username", identity)
	s.reply(235, exterrors.EnhancedCode{2, 7, 0}, "Authentication successful")
	return nil
}

func (s *session) filterState(sizeHint int64) *filter.State {
	return &filter.State{
		RemoteIP: net.ParseIP(remoteIP(s.conn)),
		Hostname: s.helo,
		TLS:      s.tls,
		AuthUser: s.authUser,
		SizeHint: sizeHint,
	}
}

func (s *session) mailForChecks(raw []byte) *antispam.Mail {
	var rdnsName string
	if s.rdns != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		rdnsName, _ = s.rdns.GetContext(ctx)
		cancel()
	}
	return &antispam.Mail{
		ClientIP: net.ParseIP(remoteIP(s.conn)),
		RDNSName: rdnsName,
		HELO:     s.helo,
		TLS:      s.tls,
		AuthUser: s.authUser,
		MailFrom: s.env.MailFrom,
		RcptTo:   s.env.RcptTo,
		Raw:      raw,
	}
}

func (s *session) resetTransaction() {
	s.env = msg.Envelope{}
	s.bdatStarted = false
	s.bdatBuf.Reset()
}

func (s *session) receivedHeader() string {
	var b strings.Builder
	b.WriteString("Received: from ")
	if s.helo != "" {
		b.WriteString(s.helo)
	} else {
		b.WriteString("unknown")
	}

	rdnsName := "unknown"
	if s.rdns != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if name, err := s.rdns.GetContext(ctx); err == nil && name != "" {
			rdnsName = name
		}
		cancel()
	}
	fmt.Fprintf(&b, " (%s [%s])", rdnsName, remoteIP(s.conn))

	proto := "ESMTP"
	if s.tls {
		proto = "ESMTPS"
	}
	if !s.ehlo {
		proto = "SMTP"
	}
	fmt.Fprintf(&b, "\r\n\tby %s (Kestrel) with %s\r\n\tid %s; %s\r\n",
		s.srv.Hostname, proto, s.id, time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	return b.String()
}

// normalizeCRLF rewrites bare LF line endings to CRLF and guarantees a
// trailing line ending.
func normalizeCRLF(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
	if !bytes.HasSuffix(data, []byte("\r\n")) {
		data = append(data, '\r', '\n')
	}
	return data
}
