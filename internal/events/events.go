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

// Package events implements a typed publish/subscribe bus for server
// lifecycle notifications.
package events

import (
	"net"
	"time"

	"github.com/kestrel-mta/kestrel/internal/msg"
)

// SessionInfo describes the connection a notification originates from.
type SessionInfo struct {
	ID         string
	RemoteAddr net.Addr
	TLS        bool
	AuthUser   string
}

type SessionCreated struct {
	Session SessionInfo
	Time    time.Time
}

type SessionCompleted struct {
	Session  SessionInfo
	Time     time.Time
	Duration time.Duration
	// Messages accepted during the session.
	Messages int
}

// MessageReceived is published after a message passed all checks and before
// it is stored. Listeners return a Verdict; the first Cancel wins and the
// message is rejected with the verdict's reply.
type MessageReceived struct {
	Session SessionInfo
	Message *msg.Message
}

type MessageRejected struct {
	Session SessionInfo
	// Message is nil when the rejection happened before DATA.
	Message *msg.Message
	Code    int
	Reason  string
}

type AuthResult struct {
	Session   SessionInfo
	Mechanism string
	Identity  string
	Success   bool
}

type DeliveryAttempted struct {
	QueueID   string
	Rcpt      string
	Host      string
	Attempt   int
	Succeeded bool
	Err       error
}

type ErrorOccurred struct {
	Session *SessionInfo
	Err     error
}

// Verdict is the reply of a MessageReceived listener.
type Verdict struct {
	Cancel bool
	// SMTP reply used when Cancel is set. Zero Code means 550.
	Code    int
	Message string
}

// Continue accepts the message.
func Continue() Verdict {
	return Verdict{}
}

// Cancel rejects the message with the given reply. Zero code defaults
// to 550.
func Cancel(code int, message string) Verdict {
	return Verdict{Cancel: true, Code: code, Message: message}
}
