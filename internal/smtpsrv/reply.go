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
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/internal/auth"
)

// reply writes a single-line reply and flushes it. Flushing per reply keeps
// replies strictly in command order under PIPELINING.
func (s *session) reply(code int, ench exterrors.EnhancedCode, text string) {
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout()))
	var err error
	if ench != (exterrors.EnhancedCode{}) {
		_, err = fmt.Fprintf(s.w, "%d %s %s\r\n", code, ench, text)
	} else {
		_, err = fmt.Fprintf(s.w, "%d %s\r\n", code, text)
	}
	if err == nil {
		err = s.w.Flush()
	}
	if err != nil {
		s.log.Error("write error", err)
		s.state = stateClosed
	}
}

// multiReply writes a multi-line reply (EHLO capability listing).
func (s *session) multiReply(code int, lines []string) {
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeTimeout()))
	var err error
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err = fmt.Fprintf(s.w, "%d%s%s\r\n", code, sep, line); err != nil {
			break
		}
	}
	if err == nil {
		err = s.w.Flush()
	}
	if err != nil {
		s.log.Error("write error", err)
		s.state = stateClosed
	}
}

// replyErr converts a handler error into an SMTP reply. Non-SMTPError
// values are mapped to a generic reply using the Temporary() convention.
func (s *session) replyErr(verb string, err error) {
	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		smtpErr = &exterrors.SMTPError{
			Code:         exterrors.SMTPCode(err, 451, 554),
			EnhancedCode: exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 0, 0}, exterrors.EnhancedCode{5, 0, 0}),
			Message:      "Internal server error",
			Err:          err,
		}
	}

	if smtpErr.Code/100 == 4 {
		s.log.DebugMsg("command rejected", "verb", verb, "code", smtpErr.Code, "msg", smtpErr.Message)
	} else {
		s.log.Error(verb+" error", smtpErr)
	}
	commandsTotal.WithLabelValues(verb, fmt.Sprintf("%dxx", smtpErr.Code/100)).Inc()
	s.reply(smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message)
}

// challengeIO adapts the session to the auth.ChallengeIO contract: 334
// base64 challenges and base64 responses, "*" aborts.
type challengeIO struct {
	s *session
}

func (c *challengeIO) Challenge(data []byte) error {
	c.s.reply(334, exterrors.EnhancedCode{}, base64.StdEncoding.EncodeToString(data))
	if c.s.state == stateClosed {
		return errors.New("smtpsrv: connection closed during AUTH")
	}
	return nil
}

func (c *challengeIO) Response() ([]byte, error) {
	c.s.conn.SetReadDeadline(time.Now().Add(c.s.srv.commandTimeout()))
	line, err := readLine(c.s.r, maxTextLine)
	if err != nil {
		return nil, err
	}
	if line == "*" {
		return nil, auth.ErrCancelled
	}
	return decodeB64(line)
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
