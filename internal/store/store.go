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

// Package store defines where accepted messages are handed off to.
package store

import (
	"context"

	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/msg"
)

// Store receives accepted messages. Save is called exactly once per
// successful DATA transaction, before the 250 reply is sent. A Save error
// turns into a 451 reply and the message is not considered accepted.
//
// Implementations should be idempotent by message ID: redelivery after a
// lost 250 must not duplicate the message.
type Store interface {
	Save(ctx context.Context, session events.SessionInfo, m *msg.Message) error
}

// Discard drops every message. Useful for relay-only deployments.
type Discard struct{}

func (Discard) Save(context.Context, events.SessionInfo, *msg.Message) error {
	return nil
}
