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

/*
Package relay implements the outbound delivery engine on top of the
durable queue.

A scheduler goroutine claims due entries and hands them to a bounded pool
of delivery workers. Each attempt groups the remaining recipients by
domain, resolves the target hosts per domain (routing overrides, then MX,
then smart hosts) and runs one SMTP transaction per domain. Failures are
tracked per recipient: permanent rejections leave the queue and are
reported in a bounce message, temporary ones reschedule the entry on the
fixed backoff ladder.
*/
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kestrel-mta/kestrel/framework/address"
	"github.com/kestrel-mta/kestrel/framework/dns"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/framework/log"
	"github.com/kestrel-mta/kestrel/internal/dsn"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/msg"
	"github.com/kestrel-mta/kestrel/internal/queue"
)

// SmartHost is a fixed downstream relay. Lower Priority tiers are tried
// first; inside a tier hosts are picked weighted-random.
type SmartHost struct {
	Host     string
	Port     int
	Priority int
	Weight   int

	// Credentials for AUTH PLAIN against this host, optional.
	Username string
	Password string
}

// Relay is the delivery engine. All fields must be set before Start.
type Relay struct {
	Log      log.Logger
	Queue    *queue.Queue
	Resolver dns.Resolver
	Events   *events.Bus

	// Hostname announced in EHLO and used in bounce reports.
	Hostname string

	// TLSConfig for outbound STARTTLS. Nil uses the defaults with the
	// target hostname filled in.
	TLSConfig *tls.Config

	MaxConcurrentDeliveries int           // default 16
	MaxRetryCount           int           // attempts before giving up, default 10
	MessageLifetime         time.Duration // default 72 h
	ConnectionTimeout       time.Duration // dial/command bound, default 1 min

	UseMxRouting     bool
	EnableTls        bool
	RequireTls       bool
	DefaultSmartHost string
	SmartHosts       []SmartHost
	// DomainRouting maps a recipient domain to fixed hosts, overriding
	// all other routing.
	DomainRouting map[string][]string

	EnableBounce bool
	BounceSender string

	// Port connected to when a route does not carry one. Default 25.
	Port int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup
}

func (r *Relay) maxConcurrent() int {
	if r.MaxConcurrentDeliveries == 0 {
		return 16
	}
	return r.MaxConcurrentDeliveries
}

func (r *Relay) maxRetryCount() int {
	if r.MaxRetryCount == 0 {
		return 10
	}
	return r.MaxRetryCount
}

func (r *Relay) messageLifetime() time.Duration {
	if r.MessageLifetime == 0 {
		return 72 * time.Hour
	}
	return r.MessageLifetime
}

func (r *Relay) connectionTimeout() time.Duration {
	if r.ConnectionTimeout == 0 {
		return time.Minute
	}
	return r.ConnectionTimeout
}

func (r *Relay) port() int {
	if r.Port == 0 {
		return 25
	}
	return r.Port
}

// backoff returns the delay before the given attempt number (1-based,
// counting the attempt that just failed).
func backoff(attempt int) time.Duration {
	switch {
	case attempt < 1:
		return time.Minute
	case attempt <= 6:
		// 1, 2, 4, 8, 16, 32 minutes.
		return time.Duration(1<<(attempt-1)) * time.Minute
	case attempt == 7:
		return 60 * time.Minute
	case attempt == 8:
		return 120 * time.Minute
	default:
		return 240 * time.Minute
	}
}

// Start launches the scheduler. Entries already in the queue (loaded from
// disk) are picked up immediately.
func (r *Relay) Start() {
	r.wake = make(chan struct{}, 1)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.sem = make(chan struct{}, r.maxConcurrent())
	go r.schedule()
}

// Close stops the scheduler and waits for in-flight deliveries.
func (r *Relay) Close() error {
	close(r.stop)
	<-r.done
	r.wg.Wait()
	return nil
}

// Enqueue implements the relay backend contract of the SMTP server: the
// message is persisted for the given recipients and the scheduler is woken.
func (r *Relay) Enqueue(ctx context.Context, m *msg.Message, rcpts []string) (string, error) {
	entry, err := r.Queue.Enqueue(ctx, m, rcpts)
	if err != nil {
		return "", err
	}
	r.kick()
	return entry.ID, nil
}

func (r *Relay) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) schedule() {
	defer close(r.done)

	for {
		for _, entry := range r.Queue.DequeueReady(time.Now(), 0) {
			r.dispatch(entry)
		}

		sleep := 30 * time.Second
		if next := r.Queue.NextWake(); !next.IsZero() {
			if until := time.Until(next); until < sleep {
				sleep = until
			}
		}
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)

		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (r *Relay) dispatch(entry *queue.Entry) {
	r.wg.Add(1)
	go func() {
		r.sem <- struct{}{}
		defer func() {
			<-r.sem
			r.wg.Done()

			if err := recover(); err != nil {
				stack := debug.Stack()
				r.Log.Msg("panic during delivery", "id", entry.ID, "value", err, "stack", string(stack))
			}
		}()

		r.attempt(entry)
	}()
}

// attempt runs one delivery attempt for the entry and records the outcome
// in the queue.
func (r *Relay) attempt(entry *queue.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*r.connectionTimeout())
	defer cancel()

	l := r.Log
	l.Fields = map[string]any{"id": entry.ID, "attempt": entry.Attempts + 1}

	m, err := r.Queue.OpenMessage(entry)
	if err != nil {
		l.Error("cannot load message", err)
		entry.Status = queue.StatusFailed
		if err := r.Queue.Complete(entry); err != nil {
			l.Error("queue update failed", err)
		}
		return
	}

	results := map[string]error{}
	for _, group := range groupByDomain(entry.Recipients) {
		targets, err := r.targetsFor(ctx, group.domain)
		if err != nil || len(targets) == 0 {
			if err == nil {
				err = &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 4, 4},
					Message:      "No route to destination domain",
					TargetName:   "relay",
				}
			}
			for _, rcpt := range group.rcpts {
				results[rcpt] = err
			}
			continue
		}
		r.deliverGroup(ctx, m, group.rcpts, targets, results)
	}

	entry.Attempts++
	entry.LastAttempt = time.Now()

	var stillWaiting []string
	for _, rcpt := range entry.Recipients {
		rcptErr, failed := results[rcpt]
		r.Events.PublishDeliveryAttempted(events.DeliveryAttempted{
			QueueID:   entry.ID,
			Rcpt:      rcpt,
			Attempt:   entry.Attempts,
			Succeeded: !failed,
			Err:       rcptErr,
		})
		deliveryAttempts.WithLabelValues(attemptResult(rcptErr)).Inc()

		if !failed {
			l.Msg("delivered", "rcpt", rcpt)
			entry.Delivered = append(entry.Delivered, rcpt)
			continue
		}

		l.Error("delivery attempt failed", rcptErr, "rcpt", rcpt)
		entry.RcptErrs[rcpt] = toSMTPErr(rcptErr)
		if exterrors.IsTemporaryOrUnspec(rcptErr) {
			stillWaiting = append(stillWaiting, rcpt)
		} else {
			entry.FailedRcpts = append(entry.FailedRcpts, rcpt)
		}
	}

	expired := time.Since(entry.CreatedAt) > r.messageLifetime()
	outOfTries := entry.Attempts >= r.maxRetryCount()

	switch {
	case len(stillWaiting) == 0:
		entry.Recipients = nil
		switch {
		case len(entry.FailedRcpts) == 0:
			entry.Status = queue.StatusDelivered
		case len(entry.Delivered) != 0:
			entry.Status = queue.StatusPartiallyDelivered
		default:
			entry.Status = queue.StatusFailed
		}
	case expired:
		entry.Recipients = stillWaiting
		entry.Status = queue.StatusExpired
	case outOfTries:
		// Remaining temporary failures become permanent.
		entry.FailedRcpts = append(entry.FailedRcpts, stillWaiting...)
		entry.Recipients = nil
		if len(entry.Delivered) != 0 {
			entry.Status = queue.StatusPartiallyDelivered
		} else {
			entry.Status = queue.StatusFailed
		}
	default:
		entry.Recipients = stillWaiting
		entry.Status = queue.StatusDeferred
		entry.NextAttempt = time.Now().Add(backoff(entry.Attempts))
		l.Msg("will retry", "rcpts", stillWaiting, "next_try_delay", backoff(entry.Attempts))
	}

	if err := r.Queue.Complete(entry); err != nil {
		l.Error("queue update failed", err)
	}

	if entry.Status.Terminal() {
		r.maybeBounce(entry, m)
	}
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case exterrors.IsTemporaryOrUnspec(err):
		return "deferred"
	default:
		return "rejected"
	}
}

type rcptGroup struct {
	domain string
	rcpts  []string
}

// groupByDomain splits recipients by their domain, preserving recipient
// order and ordering groups deterministically.
func groupByDomain(rcpts []string) []rcptGroup {
	byDomain := map[string][]string{}
	for _, rcpt := range rcpts {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			domain = ""
		}
		domain, _ = dns.ForLookup(domain)
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	groups := make([]rcptGroup, 0, len(byDomain))
	for domain, members := range byDomain {
		groups = append(groups, rcptGroup{domain: domain, rcpts: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].domain < groups[j].domain })
	return groups
}

// toSMTPErr converts an arbitrary delivery error into the serializable
// form kept in queue metadata and reported in bounces.
func toSMTPErr(err error) *exterrors.SMTPError {
	if err == nil {
		return nil
	}
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr
	}

	res := &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
		Message:      "Internal server error",
		Err:          err,
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = exterrors.EnhancedCode{4, 0, 0}
	}

	fields := exterrors.Fields(err)
	if code, ok := fields["smtp_code"].(int); ok {
		res.Code = code
	}
	if msgText, ok := fields["smtp_msg"].(string); ok {
		res.Message = msgText
	}
	res.Reason = err.Error()
	return res
}

// maybeBounce generates a DSN for recipients that failed permanently and
// enqueues it back to the original sender at low priority.
func (r *Relay) maybeBounce(entry *queue.Entry, m *msg.Message) {
	if !r.EnableBounce {
		return
	}
	// Never bounce a bounce.
	if entry.Envelope.MailFrom == "" {
		return
	}

	failed := append([]string(nil), entry.FailedRcpts...)
	if entry.Status == queue.StatusExpired {
		failed = append(failed, entry.Recipients...)
	}
	if len(failed) == 0 {
		return
	}

	bounce, err := r.buildBounce(entry, m, failed)
	if err != nil {
		r.Log.Error("bounce generation failed", err, "id", entry.ID)
		return
	}

	if _, err := r.Queue.Enqueue(context.Background(), bounce, bounce.Envelope.RcptTo); err != nil {
		r.Log.Error("bounce enqueue failed", err, "id", entry.ID)
		return
	}
	r.Log.Msg("generated bounce", "id", entry.ID, "bounce_id", bounce.ID)
	r.kick()
}

func (r *Relay) buildBounce(entry *queue.Entry, m *msg.Message, failed []string) (*msg.Message, error) {
	hdr, err := m.Header()
	if err != nil {
		// Bounce with an empty original-header part rather than not at all.
		hdr = textproto.Header{}
	}

	sender := r.BounceSender
	if sender == "" {
		sender = "MAILER-DAEMON@" + r.Hostname
	}

	rcptsInfo := make([]dsn.RecipientInfo, 0, len(failed))
	for _, rcpt := range failed {
		rcptErr := entry.RcptErrs[rcpt]
		if rcptErr == nil {
			rcptErr = &exterrors.SMTPError{
				Code:         554,
				EnhancedCode: exterrors.EnhancedCode{5, 0, 0},
				Message:      "Delivery failed",
			}
		}
		rcptsInfo = append(rcptsInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         rcptErr.EnhancedCode,
			DiagnosticCode: rcptErr,
		})
	}

	var body bytes.Buffer
	reportHdr, err := dsn.Generate(entry.Envelope.UTF8,
		dsn.Envelope{
			MsgID: "<" + entry.ID + "-bounce@" + r.Hostname + ">",
			From:  sender,
			To:    entry.Envelope.MailFrom,
		},
		dsn.ReportingMTAInfo{
			ReportingMTA:    r.Hostname,
			XSender:         entry.Envelope.MailFrom,
			XMessageID:      entry.ID,
			ArrivalDate:     entry.CreatedAt,
			LastAttemptDate: entry.LastAttempt,
		},
		rcptsInfo, hdr, &body)
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	if err := textproto.WriteHeader(&raw, reportHdr); err != nil {
		return nil, err
	}
	raw.Write(body.Bytes())

	bounce := msg.New(msg.Envelope{
		// Null reverse-path so a failing bounce is never bounced again.
		MailFrom: "",
		RcptTo:   []string{entry.Envelope.MailFrom},
		UTF8:     entry.Envelope.UTF8,
	}, raw.Bytes())
	bounce.Priority = msg.PriorityLow
	return bounce, nil
}
