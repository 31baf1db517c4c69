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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 3463 enhanced status code (X.Y.Z).
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the payload of a failed SMTP transaction, either generated
// locally or copied from a reply of a remote server.
//
// It is used across subsystem boundaries: the session loop turns it into the
// reply sent to the client, the relay engine classifies it into retry
// decisions and the DSN generator copies it into the bounce report.
type SMTPError struct {
	// SMTP status code. 4xx codes are temporary, 5xx are permanent.
	Code int
	// Enhanced status code, 4.x.x or 5.x.x correspondingly.
	EnhancedCode EnhancedCode
	// Message that will be returned to the client.
	Message string

	// Name of the component that generated this error, for logging.
	TargetName string
	// Name of the spam/policy checker that generated this error, if any.
	CheckName string

	// Underlying error, not exposed to SMTP clients. Not serialized when
	// the error is stored in queue metadata.
	Err error `json:"-"`

	// Short human-readable description of the problem for the log. If empty,
	// Err.Error() or Message is used.
	Reason string

	// Additional log fields.
	Misc map[string]any
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]any {
	ctx := make(map[string]any, len(err.Misc)+6)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode.String()
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	if err.CheckName != "" {
		ctx["check"] = err.CheckName
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	} else if err.Err != nil {
		ctx["reason"] = err.Err.Error()
	}
	return ctx
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// SMTPCode returns the appropriate SMTP status code for the passed error,
// using temporaryCode or permanentCode depending on the Temporary() result.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for enhanced status codes.
func SMTPEnchCode(err error, temporaryCode, permanentCode EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}
