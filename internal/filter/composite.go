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

package filter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Mode selects how a Composite combines member answers.
type Mode int

const (
	// All accepts only when every member accepts.
	All Mode = iota
	// Any accepts when at least one member accepts.
	Any
)

// Composite evaluates member filters concurrently and combines their
// answers. An empty composite accepts everything. A member error fails the
// whole evaluation regardless of mode.
type Composite struct {
	Mode    Mode
	Filters []Filter
}

func (c Composite) CanAcceptFrom(ctx context.Context, state *State, from string) (bool, error) {
	return c.eval(ctx, func(f Filter) (bool, error) {
		return f.CanAcceptFrom(ctx, state, from)
	})
}

func (c Composite) CanDeliverTo(ctx context.Context, state *State, rcpt string) (bool, error) {
	return c.eval(ctx, func(f Filter) (bool, error) {
		return f.CanDeliverTo(ctx, state, rcpt)
	})
}

func (c Composite) eval(ctx context.Context, call func(Filter) (bool, error)) (bool, error) {
	if len(c.Filters) == 0 {
		return true, nil
	}

	answers := make([]bool, len(c.Filters))
	eg, _ := errgroup.WithContext(ctx)
	for i, f := range c.Filters {
		i, f := i, f
		eg.Go(func() error {
			ok, err := call(f)
			if err != nil {
				return err
			}
			answers[i] = ok
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return false, err
	}

	switch c.Mode {
	case Any:
		for _, ok := range answers {
			if ok {
				return true, nil
			}
		}
		return false, nil
	default: // All
		for _, ok := range answers {
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
}
