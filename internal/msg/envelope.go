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

// Package msg defines the message model shared by the SMTP session loop,
// the spam pipeline, the store and the relay queue.
package msg

// BodyType is the value of the MAIL FROM BODY parameter.
type BodyType string

const (
	Body7Bit     BodyType = "7BIT"
	Body8BitMIME BodyType = "8BITMIME"
)

// Envelope is the SMTP transaction state collected from MAIL FROM and
// RCPT TO commands. The zero value is an empty transaction.
type Envelope struct {
	// Reverse-path. Empty for bounce messages.
	MailFrom string

	// Forward-paths in the order the RCPT TO commands were accepted.
	RcptTo []string

	// Value of the SIZE parameter, 0 when not given.
	SizeHint int64

	// Value of the BODY parameter, empty when not given.
	Body BodyType

	// Whether the SMTPUTF8 parameter was given.
	UTF8 bool
}

// Copy returns a deep copy of the envelope.
func (e Envelope) Copy() Envelope {
	cpy := e
	cpy.RcptTo = make([]string, len(e.RcptTo))
	copy(cpy.RcptTo, e.RcptTo)
	return cpy
}

// Priority determines the relay queue ordering of a message.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}
