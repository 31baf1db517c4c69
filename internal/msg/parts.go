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

package msg

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"

	// Register common transfer encodings and charsets.
	_ "github.com/emersion/go-message/charset"
)

type bodyParts struct {
	text        string
	html        string
	attachments int
}

// extractParts walks the MIME structure collecting the first text/plain and
// text/html parts and counting attachment-disposition parts. go-message
// transparently undoes the transfer encoding.
func extractParts(raw []byte) (bodyParts, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return bodyParts{}, err
	}

	var parts bodyParts
	if err := walkEntity(ent, &parts); err != nil {
		return bodyParts{}, err
	}
	return parts, nil
}

func walkEntity(ent *message.Entity, out *bodyParts) error {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if message.IsUnknownCharset(err) {
					continue
				}
				return err
			}
			if err := walkEntity(part, out); err != nil {
				return err
			}
		}
	}

	disp, _, _ := ent.Header.ContentDisposition()
	if strings.EqualFold(disp, "attachment") {
		out.attachments++
		return nil
	}

	ctype, _, err := ent.Header.ContentType()
	if err != nil {
		ctype = "text/plain"
	}
	switch {
	case strings.EqualFold(ctype, "text/plain") && out.text == "":
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			return err
		}
		out.text = string(body)
	case strings.EqualFold(ctype, "text/html") && out.html == "":
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			return err
		}
		out.html = string(body)
	}
	return nil
}
