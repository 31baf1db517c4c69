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
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("EHLO mx.example.org\r\nNOOP\r\n"))

	line, err := readLine(r, defaultMaxLineLength)
	if err != nil {
		t.Fatal(err)
	}
	if line != "EHLO mx.example.org" {
		t.Errorf("line = %q", line)
	}

	line, err = readLine(r, defaultMaxLineLength)
	if err != nil || line != "NOOP" {
		t.Errorf("line = %q, err = %v", line, err)
	}
}

func TestReadLineTooLongStaysSynchronized(t *testing.T) {
	long := strings.Repeat("x", 2*defaultMaxLineLength)
	r := bufio.NewReader(strings.NewReader(long + "\r\nNOOP\r\n"))

	_, err := readLine(r, defaultMaxLineLength)
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("err = %v, want ErrLineTooLong", err)
	}

	// The oversized line is consumed entirely, the next one is readable.
	line, err := readLine(r, defaultMaxLineLength)
	if err != nil || line != "NOOP" {
		t.Errorf("line = %q, err = %v", line, err)
	}
}

func TestReadDotStuffed(t *testing.T) {
	wire := "Subject: test\r\n" +
		"\r\n" +
		"..leading dot\r\n" +
		"plain line\r\n" +
		".\r\n"
	r := bufio.NewReader(strings.NewReader(wire))

	data, rawBytes, err := readDotStuffed(r, 0)
	if err != nil {
		t.Fatal(err)
	}

	want := "Subject: test\r\n\r\n.leading dot\r\nplain line\r\n"
	if string(data) != want {
		t.Errorf("decoded = %q, want %q", data, want)
	}
	if rawBytes != int64(len(wire)) {
		t.Errorf("rawBytes = %d, want %d", rawBytes, len(wire))
	}
}

func TestDotStuffingRoundTrip(t *testing.T) {
	wire := "From: a@example.org\r\n" +
		"\r\n" +
		"line one\r\n" +
		"..dot line\r\n" +
		"...two dots\r\n" +
		"last\r\n" +
		".\r\n"

	data, rawBytes, err := readDotStuffed(bufio.NewReader(strings.NewReader(wire)), 0)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	written, err := writeDotStuffed(&out, data)
	if err != nil {
		t.Fatal(err)
	}

	if out.String() != wire {
		t.Errorf("re-encoded:\n%q\nwant:\n%q", out.String(), wire)
	}
	if written != rawBytes {
		t.Errorf("wire octet count: wrote %d, read %d", written, rawBytes)
	}
}

func TestReadDotStuffedTooBig(t *testing.T) {
	wire := "0123456789\r\n0123456789\r\n.\r\nNOOP\r\n"
	r := bufio.NewReader(strings.NewReader(wire))

	_, _, err := readDotStuffed(r, 15)
	if !errors.Is(err, ErrMessageTooBig) {
		t.Fatalf("err = %v, want ErrMessageTooBig", err)
	}

	// The terminator was consumed, the stream continues with commands.
	line, err := readLine(r, defaultMaxLineLength)
	if err != nil || line != "NOOP" {
		t.Errorf("line = %q, err = %v", line, err)
	}
}

func TestReadDotStuffedEOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("no terminator\r\n"))
	_, _, err := readDotStuffed(r, 0)
	if !errors.Is(err, errDataTerminated) {
		t.Errorf("err = %v, want errDataTerminated", err)
	}
}

func TestNormalizeCRLF(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a\nb\n", "a\r\nb\r\n"},
		{"a\r\nb\r\n", "a\r\nb\r\n"},
		{"mixed\r\nbare\n", "mixed\r\nbare\r\n"},
		{"no trailing", "no trailing\r\n"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := string(normalizeCRLF([]byte(tc.in))); got != tc.want {
			t.Errorf("normalizeCRLF(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
