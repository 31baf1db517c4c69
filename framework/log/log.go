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

// Package log implements a minimalistic logging library.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"go.uber.org/zap"
)

// Logger writes formatted output to the underlying log.Output object.
//
// Logger is stateless and can be copied freely. The underlying log.Output
// is shared by all copies, however.
//
// Each message is prefixed with the logger name. Timestamp and debug flag
// formatting is done by log.Output.
//
// Logger itself provides no serialization, it is the log.Output
// responsibility to ensure goroutine-safety if necessary.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Additional fields that will be added to the Msg output.
	Fields map[string]any
}

// Zap returns a *zap.Logger that forwards messages to l. It exists for
// libraries that want a zap logger.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

func (l Logger) Debugf(format string, val ...any) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...any) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...any) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...any) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event log message in a machine-readable format:
//
//	name: msg\t{"key":"value","key2":"value2"}
//
// Key-value pairs are built from the fields slice which contains key strings
// each followed by the corresponding value.
//
// If a value implements LogFormatter, it is represented by the string
// returned by FormatLog. Same for fmt.Stringer and error. time.Time is
// written as an ISO 8601 string.
func (l Logger) Msg(msg string, fields ...any) {
	m := make(map[string]any, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message describing the error. If err carries
// exterrors fields, they are merged into the message. The msg argument names
// the context the error is handled in, e.g. "DATA error".
func (l Logger) Error(msg string, err error, fields ...any) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	allFields := make(map[string]any, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}

	// An existing 'reason' field usually explains the problem better than
	// the error text itself.
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func (l Logger) DebugMsg(kind string, fields ...any) {
	if !l.Debug {
		return
	}
	m := make(map[string]any, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []any, out map[string]any) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				// Misformatted arguments, attempt to provide a useful
				// message anyway.
				out[fmt.Sprint("field", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]any) string {
	formatted := strings.Builder{}

	formatted.WriteString(msg)
	formatted.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]any)
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrderedJSON(&formatted, fields); err != nil {
			// Fallback to printing the message with minimal processing.
			return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
		}
	}

	return formatted.String()
}

// LogFormatter overrides the default rendering of a value in Msg output.
type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer, all bytes sent to it are written as separate
// log messages. No line-buffering is done.
func (l Logger) Write(s []byte) (int, error) {
	l.log(false, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns a writer that acts like Logger.Write but marks
// messages as debug. If Logger.Debug is false, writes are discarded.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	l.Debug = true
	return &l
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
		return
	}

	// Logging is disabled - do nothing.
}

// DefaultLogger is the global Logger object used by package-level logging
// functions and by Loggers with a nil Out.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...any) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...any)               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...any) { DefaultLogger.Printf(format, val...) }
func Println(val ...any)               { DefaultLogger.Println(val...) }
