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

package auth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PassFile is a Verifier reading credentials from a colon-separated file:
// one "username:bcrypt-hash" pair per line, empty lines and #-comments
// ignored. Reload replaces the whole table atomically.
type PassFile struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

func OpenPassFile(path string) (*PassFile, error) {
	pf := &PassFile{path: path}
	if err := pf.Reload(); err != nil {
		return nil, err
	}
	return pf, nil
}

func (pf *PassFile) Reload() error {
	f, err := os.Open(pf.path)
	if err != nil {
		return fmt.Errorf("passfile: %w", err)
	}
	defer f.Close()

	users := map[string]string{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("passfile: %s:%d: missing separator", pf.path, lineNo)
		}
		users[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("passfile: %w", err)
	}

	pf.mu.Lock()
	pf.users = users
	pf.mu.Unlock()
	return nil
}

func (pf *PassFile) Verify(_ context.Context, username, password string) error {
	pf.mu.RLock()
	hash, ok := pf.users[username]
	pf.mu.RUnlock()

	if !ok {
		// Burn comparable time for unknown users to avoid a user
		// enumeration timing oracle.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Bcrypt hash of an unguessable random string.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// StaticVerifier is a fixed in-memory credentials table. Test use mostly.
type StaticVerifier map[string]string

func (sv StaticVerifier) Verify(_ context.Context, username, password string) error {
	want, ok := sv[username]
	if !ok || want != password {
		return ErrInvalidCredentials
	}
	return nil
}
