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

// Package filter implements the mailbox filter chain consulted during MAIL
// FROM and RCPT TO processing.
package filter

import (
	"context"
	"net"
)

// State is a read-only snapshot of the session a filter decision applies
// to. Filters must not retain it past the call.
type State struct {
	RemoteIP net.IP
	Hostname string // HELO/EHLO argument
	TLS      bool
	AuthUser string // empty when not authenticated

	// SIZE parameter of the MAIL FROM command, 0 when absent. Only
	// meaningful for CanAcceptFrom.
	SizeHint int64
}

// Filter decides whether a sender or recipient address is acceptable.
// Implementations must be pure with respect to the session: no side effects,
// same answer for the same inputs.
//
// A false return maps to a 550 reply at the call site.
type Filter interface {
	CanAcceptFrom(ctx context.Context, state *State, from string) (bool, error)
	CanDeliverTo(ctx context.Context, state *State, rcpt string) (bool, error)
}

// Func adapts a pair of functions to the Filter interface. A nil function
// accepts everything.
type Func struct {
	AcceptFrom func(ctx context.Context, state *State, from string) (bool, error)
	DeliverTo  func(ctx context.Context, state *State, rcpt string) (bool, error)
}

func (f Func) CanAcceptFrom(ctx context.Context, state *State, from string) (bool, error) {
	if f.AcceptFrom == nil {
		return true, nil
	}
	return f.AcceptFrom(ctx, state, from)
}

func (f Func) CanDeliverTo(ctx context.Context, state *State, rcpt string) (bool, error) {
	if f.DeliverTo == nil {
		return true, nil
	}
	return f.DeliverTo(ctx, state, rcpt)
}

// AcceptAll accepts any sender and any recipient.
type AcceptAll struct{}

func (AcceptAll) CanAcceptFrom(context.Context, *State, string) (bool, error) {
	return true, nil
}

func (AcceptAll) CanDeliverTo(context.Context, *State, string) (bool, error) {
	return true, nil
}
