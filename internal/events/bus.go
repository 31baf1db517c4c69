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

package events

import (
	"runtime/debug"
	"sync"

	"github.com/kestrel-mta/kestrel/framework/log"
)

// Bus dispatches notifications to registered listeners. Registration order
// is preserved per event type. A panicking listener is logged and isolated,
// it does not affect the session that published the event.
//
// The zero value is usable and drops all events.
type Bus struct {
	Log log.Logger

	mu                 sync.RWMutex
	onSessionCreated   []func(SessionCreated)
	onSessionCompleted []func(SessionCompleted)
	onMessageReceived  []func(MessageReceived) Verdict
	onMessageRejected  []func(MessageRejected)
	onAuthResult       []func(AuthResult)
	onDelivery         []func(DeliveryAttempted)
	onError            []func(ErrorOccurred)
}

func NewBus(l log.Logger) *Bus {
	return &Bus{Log: l}
}

func (b *Bus) OnSessionCreated(f func(SessionCreated)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionCreated = append(b.onSessionCreated, f)
}

func (b *Bus) OnSessionCompleted(f func(SessionCompleted)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSessionCompleted = append(b.onSessionCompleted, f)
}

// OnMessageReceived registers a listener that can veto message acceptance.
func (b *Bus) OnMessageReceived(f func(MessageReceived) Verdict) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessageReceived = append(b.onMessageReceived, f)
}

func (b *Bus) OnMessageRejected(f func(MessageRejected)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessageRejected = append(b.onMessageRejected, f)
}

func (b *Bus) OnAuthResult(f func(AuthResult)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAuthResult = append(b.onAuthResult, f)
}

func (b *Bus) OnDeliveryAttempted(f func(DeliveryAttempted)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDelivery = append(b.onDelivery, f)
}

func (b *Bus) OnError(f func(ErrorOccurred)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, f)
}

func (b *Bus) PublishSessionCreated(ev SessionCreated) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.onSessionCreated
	b.mu.RUnlock()
	for _, f := range listeners {
		b.safeCall(func() { f(ev) })
	}
}

func (b *Bus) PublishSessionCompleted(ev SessionCompleted) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.onSessionCompleted
	b.mu.RUnlock()
	for _, f := range listeners {
		b.safeCall(func() { f(ev) })
	}
}

// PublishMessageReceived folds listener verdicts in registration order. The
// first Cancel verdict short-circuits and is returned. A panicking listener
// counts as Continue.
func (b *Bus) PublishMessageReceived(ev MessageReceived) Verdict {
	if b == nil {
		return Continue()
	}
	b.mu.RLock()
	listeners := b.onMessageReceived
	b.mu.RUnlock()

	for _, f := range listeners {
		var v Verdict
		b.safeCall(func() { v = f(ev) })
		if v.Cancel {
			if v.Code == 0 {
				v.Code = 550
			}
			if v.Message == "" {
				v.Message = "Message rejected by policy"
			}
			return v
		}
	}
	return Continue()
}

func (b *Bus) PublishMessageRejected(ev MessageRejected) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.onMessageRejected
	b.mu.RUnlock()
	for _, f := range listeners {
		b.safeCall(func() { f(ev) })
	}
}

func (b *Bus) PublishAuthResult(ev AuthResult) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.onAuthResult
	b.mu.RUnlock()
	for _, f := range listeners {
		b.safeCall(func() { f(ev) })
	}
}

func (b *Bus) PublishDeliveryAttempted(ev DeliveryAttempted) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.onDelivery
	b.mu.RUnlock()
	for _, f := range listeners {
		b.safeCall(func() { f(ev) })
	}
}

func (b *Bus) PublishError(ev ErrorOccurred) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.onError
	b.mu.RUnlock()
	for _, f := range listeners {
		b.safeCall(func() { f(ev) })
	}
}

func (b *Bus) safeCall(f func()) {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			b.Log.Msg("panic in event listener", "err", err, "stack", string(stack))
		}
	}()
	f()
}
