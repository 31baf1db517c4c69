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

// Package exterrors provides error wrappers that carry structured context
// for logging and the Temporary() convention used to tell transient
// failures from permanent ones.
package exterrors

type fieldsErr interface {
	Fields() map[string]any
}

type fieldsWrap struct {
	err    error
	fields map[string]any
}

func (fw fieldsWrap) Error() string {
	return fw.err.Error()
}

func (fw fieldsWrap) Unwrap() error {
	return fw.err
}

func (fw fieldsWrap) Fields() map[string]any {
	return fw.fields
}

// Fields collects the structured context attached to err and all errors it
// wraps. When the same key is set on multiple nesting levels, the outermost
// value wins.
func Fields(err error) map[string]any {
	fields := make(map[string]any, 5)

	for err != nil {
		if fErr, ok := err.(fieldsErr); ok {
			for k, v := range fErr.Fields() {
				if fields[k] != nil {
					continue
				}
				fields[k] = v
			}
		}

		unwrap, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrap.Unwrap()
	}

	return fields
}

// WithFields attaches the passed key-value pairs to the error object.
// The original error is available via errors.Unwrap.
func WithFields(err error, fields map[string]any) error {
	return fieldsWrap{err: err, fields: fields}
}
