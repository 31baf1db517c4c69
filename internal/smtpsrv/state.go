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

// sessionState tracks the position of a connection in the SMTP dialogue.
type sessionState int

const (
	// Connection accepted, greeting not yet sent.
	stateGreeting sessionState = iota
	// Greeting sent, waiting for HELO/EHLO.
	stateWaitHelo
	// HELO/EHLO done, no transaction in progress.
	stateIdle
	// MAIL FROM accepted, no recipients yet.
	stateInMail
	// At least one RCPT TO accepted.
	stateInRcpt
	// DATA or BDAT transfer in progress.
	stateInData
	// AUTH exchange in progress.
	stateInAuth
	// QUIT received or fatal condition, reply pending.
	stateClosing
	// Connection torn down.
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateGreeting:
		return "greeting"
	case stateWaitHelo:
		return "wait-helo"
	case stateIdle:
		return "idle"
	case stateInMail:
		return "in-mail"
	case stateInRcpt:
		return "in-rcpt"
	case stateInData:
		return "in-data"
	case stateInAuth:
		return "in-auth"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var validTransitions = map[sessionState][]sessionState{
	stateGreeting: {stateWaitHelo, stateClosing},
	stateWaitHelo: {stateIdle, stateClosing},
	stateIdle:     {stateWaitHelo, stateInMail, stateInAuth, stateClosing},
	stateInMail:   {stateInRcpt, stateIdle, stateWaitHelo, stateClosing},
	stateInRcpt:   {stateInData, stateInRcpt, stateIdle, stateWaitHelo, stateClosing},
	stateInData:   {stateIdle, stateClosing},
	stateInAuth:   {stateIdle, stateClosing},
	stateClosing:  {stateClosed},
	stateClosed:   {},
}

// transition moves the session to the target state, panicking on a
// transition the state machine does not allow. Command handlers guard
// with state checks first, a panic here is a programming error.
func (s *session) transition(to sessionState) {
	if s.state == to {
		return
	}
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			return
		}
	}
	panic("smtpsrv: invalid state transition " + s.state.String() + " -> " + to.String())
}
