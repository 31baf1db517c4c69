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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrel-mta/kestrel/framework/exterrors"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/msg"
)

// FS writes each message into a directory as <id>.eml plus a <id>.json
// envelope sidecar. Writes go through a temporary name and rename, partially
// written messages are never visible under their final name.
type FS struct {
	Dir string
}

type fsEnvelope struct {
	MailFrom string    `json:"mail_from"`
	RcptTo   []string  `json:"rcpt_to"`
	Received time.Time `json:"received"`
	ClientIP string    `json:"client_ip,omitempty"`
	AuthUser string    `json:"auth_user,omitempty"`
}

func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &FS{Dir: dir}, nil
}

func (s *FS) Save(_ context.Context, session events.SessionInfo, m *msg.Message) error {
	emlPath := filepath.Join(s.Dir, m.ID+".eml")
	if _, err := os.Stat(emlPath); err == nil {
		// Already saved, redelivery after a lost reply.
		return nil
	}

	env := fsEnvelope{
		MailFrom: m.Envelope.MailFrom,
		RcptTo:   m.Envelope.RcptTo,
		Received: m.Received,
		AuthUser: session.AuthUser,
	}
	if session.RemoteAddr != nil {
		env.ClientIP = session.RemoteAddr.String()
	}
	meta, err := json.Marshal(env)
	if err != nil {
		return wrapFSErr(err)
	}

	if err := writeAtomic(emlPath, m.Raw); err != nil {
		return wrapFSErr(err)
	}
	if err := writeAtomic(filepath.Join(s.Dir, m.ID+".json"), meta); err != nil {
		os.Remove(emlPath)
		return wrapFSErr(err)
	}
	return nil
}

func writeAtomic(path string, blob []byte) error {
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func wrapFSErr(err error) error {
	// Disk problems are transient from the client's point of view.
	return exterrors.WithTemporary(fmt.Errorf("store: %w", err), true)
}
