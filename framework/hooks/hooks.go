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

// Package hooks provides process-wide callbacks for lifecycle events.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the server process is about to stop.
	EventShutdown Event = iota

	// EventLogRotate is triggered when the server process receives the
	// SIGUSR1 signal (on POSIX platforms) and indicates the request to
	// reopen used log files since they might have been rotated.
	EventLogRotate
)

var (
	hooks   = make(map[Event][]func())
	hooksMu sync.Mutex
)

func hooksToRun(ev Event) []func() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	installed := hooks[ev]
	if installed == nil {
		return nil
	}

	// Copied so hooks run without holding the lock, they are likely to do
	// a lot of I/O.
	cpy := make([]func(), 0, len(installed))
	cpy = append(cpy, installed...)
	return cpy
}

// RunHooks runs the hooks installed for the event in reverse registration
// order.
func RunHooks(ev Event) {
	installed := hooksToRun(ev)
	for i := len(installed) - 1; i >= 0; i-- {
		installed[i]()
	}
}

// AddHook installs a hook to be executed when the event occurs.
func AddHook(ev Event, f func()) {
	hooksMu.Lock()
	defer hooksMu.Unlock()

	hooks[ev] = append(hooks[ev], f)
}
