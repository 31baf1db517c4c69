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
	"io"
)

// Line limits, CRLF included. Command lines get the RFC 5322 text line
// limit rather than the 512 of RFC 5321, long MAIL parameter lists and
// SMTPUTF8 paths do not fit in 512.
const (
	defaultMaxLineLength = 998
	maxTextLine          = 1000
)

var (
	ErrLineTooLong    = errors.New("smtpsrv: line too long")
	ErrMessageTooBig  = errors.New("smtpsrv: message size exceeds fixed maximum")
	ErrBareLF         = errors.New("smtpsrv: bare LF in line")
	errDataTerminated = errors.New("smtpsrv: unexpected EOF before final dot")
)

// readLine reads one CRLF-terminated line of at most limit octets (CRLF
// included) and returns it without the line ending. A line exceeding the
// limit is consumed to its end and ErrLineTooLong is returned so the
// protocol stream stays synchronized.
func readLine(r *bufio.Reader, limit int) (string, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull || (err == nil && len(line) > limit) {
		// Drain the rest of the oversized line.
		for err == bufio.ErrBufferFull {
			_, err = r.ReadSlice('\n')
		}
		if err != nil && err != bufio.ErrBufferFull {
			return "", err
		}
		return "", ErrLineTooLong
	}
	if err != nil {
		return "", err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

// readDotStuffed consumes a dot-stuffed DATA payload up to and including
// the terminating ".\r\n" line. It returns the decoded bytes and the raw
// (wire) octet count, stuffing and terminator included.
//
// When the decoded size exceeds maxSize (non-zero), the remainder is still
// consumed so the session can continue, and ErrMessageTooBig is returned.
// Decoded line endings are normalized to CRLF.
func readDotStuffed(r *bufio.Reader, maxSize int64) (data []byte, rawBytes int64, err error) {
	var (
		buf     bytes.Buffer
		tooBig  bool
		tooLong bool
	)

	for {
		line, lineErr := readLine(r, maxTextLine)
		if lineErr != nil {
			if lineErr == ErrLineTooLong {
				// Stay synchronized, remember to report it.
				tooLong = true
				rawBytes += maxTextLine
				continue
			}
			if lineErr == io.EOF {
				return nil, rawBytes, errDataTerminated
			}
			return nil, rawBytes, lineErr
		}
		rawBytes += int64(len(line)) + 2

		if line == "." {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		if maxSize != 0 && int64(buf.Len())+int64(len(line))+2 > maxSize {
			tooBig = true
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if tooLong {
		return nil, rawBytes, ErrLineTooLong
	}
	if tooBig {
		return nil, rawBytes, ErrMessageTooBig
	}
	return buf.Bytes(), rawBytes, nil
}

// writeDotStuffed writes data in dot-stuffed form, terminator included.
// Lines are expected to use CRLF endings; a missing final CRLF is added.
// Re-encoding the output of readDotStuffed reproduces the wire form.
func writeDotStuffed(w io.Writer, data []byte) (int64, error) {
	var written int64

	for len(data) > 0 {
		line := data
		rest := []byte(nil)
		if idx := bytes.Index(data, []byte("\r\n")); idx != -1 {
			line = data[:idx]
			rest = data[idx+2:]
		}

		if len(line) > 0 && line[0] == '.' {
			n, err := w.Write([]byte("."))
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
		n, err := w.Write(line)
		written += int64(n)
		if err != nil {
			return written, err
		}
		n, err = w.Write([]byte("\r\n"))
		written += int64(n)
		if err != nil {
			return written, err
		}

		data = rest
	}

	n, err := w.Write([]byte(".\r\n"))
	written += int64(n)
	return written, err
}
