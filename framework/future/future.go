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

// Package future provides a container for a (value, error) pair that will
// be populated later and can be awaited by multiple goroutines.
package future

import (
	"context"
	"sync"
)

// Future must not be copied after first use.
type Future[T any] struct {
	mu  sync.RWMutex
	set bool
	val T
	err error

	notify chan struct{}
}

func New[T any]() *Future[T] {
	return &Future[T]{notify: make(chan struct{})}
}

// Set stores the (value, error) pair. All blocked and future Get calls will
// return it. Second and later Set calls panic.
func (f *Future[T]) Set(val T, err error) {
	if f == nil {
		panic("nil future used")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		panic("future: Set called multiple times")
	}

	f.set = true
	f.val = val
	f.err = err

	close(f.notify)
}

func (f *Future[T]) Get() (T, error) {
	return f.GetContext(context.Background())
}

func (f *Future[T]) GetContext(ctx context.Context) (T, error) {
	if f == nil {
		panic("nil future used")
	}

	f.mu.RLock()
	if f.set {
		val, err := f.val, f.err
		f.mu.RUnlock()
		return val, err
	}
	f.mu.RUnlock()

	select {
	case <-f.notify:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		panic("future: notification received, but value is not set")
	}

	return f.val, f.err
}
