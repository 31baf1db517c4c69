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

package dsn

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
)

func testReport(t *testing.T, utf8 bool) (textproto.Header, string) {
	t.Helper()

	failedHeader := textproto.Header{}
	failedHeader.Add("From", "sender@example.org")
	failedHeader.Add("To", "rcpt@example.com")
	failedHeader.Add("Subject", "original subject")

	var body bytes.Buffer
	hdr, err := Generate(utf8,
		Envelope{
			MsgID: "<bounce-1@mx.example.org>",
			From:  "MAILER-DAEMON@mx.example.org",
			To:    "sender@example.org",
		},
		ReportingMTAInfo{
			ReportingMTA:    "mx.example.org",
			ReceivedFromMTA: "client.example.org",
			XSender:         "sender@example.org",
			XMessageID:      "QUEUE-ID-1",
			ArrivalDate:     time.Unix(1700000000, 0),
			LastAttemptDate: time.Unix(1700003600, 0),
		},
		[]RecipientInfo{{
			FinalRecipient: "rcpt@example.com",
			RemoteMTA:      "mail.example.com",
			Action:         ActionFailed,
			Status:         exterrors.EnhancedCode{5, 1, 1},
			DiagnosticCode: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "No such user",
			},
		}},
		failedHeader, &body)
	if err != nil {
		t.Fatal(err)
	}
	return hdr, body.String()
}

func TestGenerateStructure(t *testing.T) {
	hdr, body := testReport(t, false)

	ctype := hdr.Get("Content-Type")
	if !strings.HasPrefix(ctype, "multipart/report; report-type=delivery-status;") {
		t.Fatalf("content type: %q", ctype)
	}
	if hdr.Get("Auto-Submitted") != "auto-replied" {
		t.Fatal("missing Auto-Submitted header")
	}
	if hdr.Get("From") != "MAILER-DAEMON@mx.example.org" {
		t.Fatalf("from: %q", hdr.Get("From"))
	}

	for _, want := range []string{
		"This is the mail delivery system at mx.example.org.",
		"Message ID: QUEUE-ID-1",
		"Reporting-MTA: dns; mx.example.org",
		"Received-From-MTA: dns; client.example.org",
		"Final-Recipient: rfc822; rcpt@example.com",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 No such user",
		"Remote-MTA: dns; mail.example.com",
		"Content-Type: message/rfc822-headers",
		"Subject: original subject",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in report body", want)
		}
	}
}

func TestGenerateUTF8Parts(t *testing.T) {
	_, body := testReport(t, true)

	if !strings.Contains(body, "Content-Type: message/global-delivery-status") {
		t.Error("missing global-delivery-status part")
	}
	if !strings.Contains(body, "Content-Type: message/global-headers") {
		t.Error("missing global-headers part")
	}
	if !strings.Contains(body, "Final-Recipient: utf8; rcpt@example.com") {
		t.Error("missing utf8 Final-Recipient")
	}
}

func TestGenerateParsableMultipart(t *testing.T) {
	hdr, body := testReport(t, false)

	ctype := hdr.Get("Content-Type")
	_, after, ok := strings.Cut(ctype, "boundary=")
	if !ok {
		t.Fatalf("no boundary in %q", ctype)
	}
	boundary := strings.Trim(after, `"`)

	r := textproto.NewMultipartReader(bufio.NewReader(strings.NewReader(body)), boundary)
	parts := 0
	for {
		if _, err := r.NextPart(); err != nil {
			break
		}
		parts++
	}
	if parts != 3 {
		t.Fatalf("parts: want 3, got %d", parts)
	}
}
