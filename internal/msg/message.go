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

package msg

import (
	"bufio"
	"bytes"
	"mime"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/kestrel-mta/kestrel/framework/buffer"
)

// Message is an accepted message: envelope snapshot plus the raw wire bytes
// (after dot-stuffing removal). It is immutable after construction, all
// derived views (parsed header, decoded bodies) are computed lazily and
// cached.
//
// Received headers and X-Spam annotations are prepended before construction,
// Raw already contains them.
type Message struct {
	// Unique message ID, used as the queue ID and store key.
	ID string

	// Envelope snapshot at the time the final DATA dot was accepted.
	Envelope Envelope

	// Time the message was accepted.
	Received time.Time

	// Priority for relay queue ordering.
	Priority Priority

	// Raw message bytes (header + body, CRLF line endings).
	Raw []byte

	headerOnce sync.Once
	header     textproto.Header
	headerErr  error

	partsOnce sync.Once
	parts     bodyParts
	partsErr  error
}

// New constructs a Message with a fresh UUID and the current time.
func New(env Envelope, raw []byte) *Message {
	return &Message{
		ID:       uuid.New().String(),
		Envelope: env.Copy(),
		Received: time.Now(),
		Priority: PriorityNormal,
		Raw:      raw,
	}
}

// FromRaw reconstructs a Message read back from persistent storage.
func FromRaw(id string, env Envelope, received time.Time, pri Priority, raw []byte) *Message {
	return &Message{
		ID:       id,
		Envelope: env,
		Received: received,
		Priority: pri,
		Raw:      raw,
	}
}

// Header returns the parsed message header. Field order and case are
// preserved, lookups are case-insensitive. The returned value is a copy,
// mutating it does not affect the message.
func (m *Message) Header() (textproto.Header, error) {
	m.headerOnce.Do(func() {
		m.header, m.headerErr = textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Raw)))
	})
	if m.headerErr != nil {
		return textproto.Header{}, m.headerErr
	}
	return m.header.Copy(), nil
}

// Subject returns the decoded Subject header value, or "" when the header
// is absent or the message is malformed.
func (m *Message) Subject() string {
	hdr, err := m.Header()
	if err != nil {
		return ""
	}
	raw := hdr.Get("Subject")
	if raw == "" {
		return ""
	}
	dec := mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Body returns a Buffer with the raw message bytes.
func (m *Message) Body() buffer.Buffer {
	return buffer.MemoryBuffer{Slice: m.Raw}
}

// BodyOffset returns the offset of the first body byte in Raw, that is, the
// position right after the header-terminating blank line. When no blank line
// exists the whole message is treated as a header.
func (m *Message) BodyOffset() int {
	if idx := bytes.Index(m.Raw, []byte("\r\n\r\n")); idx != -1 {
		return idx + 4
	}
	if idx := bytes.Index(m.Raw, []byte("\n\n")); idx != -1 {
		return idx + 2
	}
	return len(m.Raw)
}

// TextBody returns the decoded text/plain part of the message, or "" when
// there is none.
func (m *Message) TextBody() (string, error) {
	parts, err := m.bodyParts()
	if err != nil {
		return "", err
	}
	return parts.text, nil
}

// HTMLBody returns the decoded text/html part of the message, or "" when
// there is none.
func (m *Message) HTMLBody() (string, error) {
	parts, err := m.bodyParts()
	if err != nil {
		return "", err
	}
	return parts.html, nil
}

// AttachmentCount returns the number of parts with an attachment content
// disposition. Malformed MIME structure counts as zero attachments.
func (m *Message) AttachmentCount() int {
	parts, err := m.bodyParts()
	if err != nil {
		return 0
	}
	return parts.attachments
}

func (m *Message) bodyParts() (bodyParts, error) {
	m.partsOnce.Do(func() {
		m.parts, m.partsErr = extractParts(m.Raw)
	})
	return m.parts, m.partsErr
}
