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
	"sync"

	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/msg"
)

// Memory keeps messages in a map. Used in tests and for ephemeral setups.
type Memory struct {
	// SaveErr, when non-nil, is returned by every Save call.
	SaveErr error

	mu       sync.Mutex
	messages map[string]*msg.Message
	order    []string
}

func NewMemory() *Memory {
	return &Memory{messages: map[string]*msg.Message{}}
}

func (s *Memory) Save(_ context.Context, _ events.SessionInfo, m *msg.Message) error {
	if s.SaveErr != nil {
		return s.SaveErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = map[string]*msg.Message{}
	}
	if _, ok := s.messages[m.ID]; ok {
		// Redelivery after a lost reply.
		return nil
	}
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	return nil
}

// Messages returns stored messages in save order.
func (s *Memory) Messages() []*msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*msg.Message, 0, len(s.order))
	for _, id := range s.order {
		res = append(res, s.messages[id])
	}
	return res
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
