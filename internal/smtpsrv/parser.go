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
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrel-mta/kestrel/framework/address"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
)

// command is one parsed client command line.
type command struct {
	// Verb in upper case ("MAIL", "RCPT", ...).
	Verb string
	// Everything after the verb, leading whitespace stripped.
	Arg string
}

func parseCommand(line string) command {
	verb, arg, _ := strings.Cut(line, " ")
	return command{
		Verb: strings.ToUpper(verb),
		Arg:  strings.TrimSpace(arg),
	}
}

func parseErr(code int, ench exterrors.EnhancedCode, format string, args ...any) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: ench,
		Message:      fmt.Sprintf(format, args...),
	}
}

// parsePath extracts the address from an angle-bracketed path, discarding
// the obsolete source route ("@relay1,@relay2:"). An empty path "<>" is
// returned as "".
func parsePath(raw string) (string, error) {
	if !strings.HasPrefix(raw, "<") || !strings.HasSuffix(raw, ">") {
		return "", parseErr(501, exterrors.EnhancedCode{5, 5, 2}, "Malformed path")
	}
	path := raw[1 : len(raw)-1]
	if path == "" {
		return "", nil
	}

	// Source routes are accepted and ignored (RFC 5321 appendix C).
	if strings.HasPrefix(path, "@") {
		idx := strings.IndexByte(path, ':')
		if idx == -1 {
			return "", parseErr(501, exterrors.EnhancedCode{5, 5, 2}, "Malformed source route")
		}
		path = path[idx+1:]
	}

	if !address.Valid(path) {
		return "", parseErr(501, exterrors.EnhancedCode{5, 1, 3}, "Invalid address")
	}
	return path, nil
}

// cutPathArg splits "FROM:<path> params" / "TO:<path> params" argument
// forms. A single space after the colon is tolerated even though RFC 5321
// forbids it, enough widely-deployed clients send it.
func cutPathArg(arg, prefix string) (rawPath, params string, err error) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", "", parseErr(501, exterrors.EnhancedCode{5, 5, 2}, "Syntax error, expected %s<path>", prefix)
	}
	rest := strings.TrimLeft(arg[len(prefix):], " ")

	if !strings.HasPrefix(rest, "<") {
		return "", "", parseErr(501, exterrors.EnhancedCode{5, 5, 2}, "Malformed path")
	}
	end := strings.IndexByte(rest, '>')
	if end == -1 {
		return "", "", parseErr(501, exterrors.EnhancedCode{5, 5, 2}, "Unterminated path")
	}
	return rest[:end+1], strings.TrimSpace(rest[end+1:]), nil
}

// parseParams parses ESMTP KEY[=VALUE] parameters. Keys are uppercased,
// duplicate keys are rejected.
func parseParams(raw string) (map[string]string, error) {
	params := map[string]string{}
	if raw == "" {
		return params, nil
	}
	for _, field := range strings.Fields(raw) {
		key, value, _ := strings.Cut(field, "=")
		key = strings.ToUpper(key)
		if key == "" {
			return nil, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Malformed parameter")
		}
		if _, ok := params[key]; ok {
			return nil, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Duplicate parameter: %s", key)
		}
		params[key] = value
	}
	return params, nil
}

// mailArgs is the parsed argument of a MAIL command.
type mailArgs struct {
	From string
	Size int64
	Body string
	UTF8 bool
	// AUTH= identity as sent by the client (RFC 4954 section 5),
	// "<>" when the client does not claim one.
	Auth string
}

func parseMail(arg string) (mailArgs, error) {
	rawPath, rawParams, err := cutPathArg(arg, "FROM:")
	if err != nil {
		return mailArgs{}, err
	}
	from, err := parsePath(rawPath)
	if err != nil {
		return mailArgs{}, err
	}
	params, err := parseParams(rawParams)
	if err != nil {
		return mailArgs{}, err
	}

	res := mailArgs{From: from}
	for key, value := range params {
		switch key {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return mailArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Malformed SIZE value")
			}
			res.Size = size
		case "BODY":
			switch strings.ToUpper(value) {
			case "7BIT", "8BITMIME":
				res.Body = strings.ToUpper(value)
			default:
				return mailArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Unsupported BODY value")
			}
		case "SMTPUTF8":
			if value != "" {
				return mailArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "SMTPUTF8 takes no value")
			}
			res.UTF8 = true
		case "AUTH":
			// The claimed identity is recorded but not trusted, actual
			// authorization comes from the AUTH command exchange.
			res.Auth = value
		case "RET", "ENVID":
			// DSN parameters are accepted and ignored.
		default:
			return mailArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Unsupported parameter: %s", key)
		}
	}
	return res, nil
}

// rcptArgs is the parsed argument of a RCPT command.
type rcptArgs struct {
	To string
}

func parseRcpt(arg string) (rcptArgs, error) {
	rawPath, rawParams, err := cutPathArg(arg, "TO:")
	if err != nil {
		return rcptArgs{}, err
	}
	to, err := parsePath(rawPath)
	if err != nil {
		return rcptArgs{}, err
	}
	if to == "" {
		return rcptArgs{}, parseErr(501, exterrors.EnhancedCode{5, 1, 3}, "Empty forward-path")
	}
	params, err := parseParams(rawParams)
	if err != nil {
		return rcptArgs{}, err
	}
	for key := range params {
		switch key {
		case "NOTIFY", "ORCPT":
			// DSN parameters are accepted and ignored.
		default:
			return rcptArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Unsupported parameter: %s", key)
		}
	}
	return rcptArgs{To: to}, nil
}

// bdatArgs is the parsed argument of a BDAT command.
type bdatArgs struct {
	Size int64
	Last bool
}

func parseBdat(arg string) (bdatArgs, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		return bdatArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Expected chunk size")
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return bdatArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Malformed chunk size")
	}
	res := bdatArgs{Size: size}
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return bdatArgs{}, parseErr(501, exterrors.EnhancedCode{5, 5, 4}, "Expected LAST")
		}
		res.Last = true
	}
	return res, nil
}
