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

	"github.com/kestrel-mta/kestrel/framework/address"
	"github.com/kestrel-mta/kestrel/framework/dns"
)

// DomainAllowlist accepts recipients only in the listed domains. Senders
// are not restricted. Comparison is IDNA-aware and case-insensitive.
type DomainAllowlist struct {
	Domains []string
}

func (a DomainAllowlist) CanAcceptFrom(context.Context, *State, string) (bool, error) {
	return true, nil
}

func (a DomainAllowlist) CanDeliverTo(_ context.Context, _ *State, rcpt string) (bool, error) {
	return domainListed(a.Domains, rcpt), nil
}

// DomainBlocklist rejects senders in the listed domains. Recipients are not
// restricted.
type DomainBlocklist struct {
	Domains []string
}

func (b DomainBlocklist) CanAcceptFrom(_ context.Context, _ *State, from string) (bool, error) {
	if from == "" {
		// Null reverse-path (bounces) cannot be domain-matched.
		return true, nil
	}
	return !domainListed(b.Domains, from), nil
}

func (b DomainBlocklist) CanDeliverTo(context.Context, *State, string) (bool, error) {
	return true, nil
}

func domainListed(domains []string, addr string) bool {
	_, domain, err := address.Split(addr)
	if err != nil {
		return false
	}
	for _, d := range domains {
		if dns.Equal(d, domain) {
			return true
		}
	}
	return false
}

// SizeLimit rejects senders that declare a message larger than MaxSize via
// the SIZE parameter. Undeclared sizes pass; the hard limit is enforced
// during DATA anyway.
type SizeLimit struct {
	MaxSize int64
}

func (s SizeLimit) CanAcceptFrom(_ context.Context, state *State, _ string) (bool, error) {
	if s.MaxSize == 0 || state == nil {
		return true, nil
	}
	return state.SizeHint <= s.MaxSize, nil
}

func (s SizeLimit) CanDeliverTo(context.Context, *State, string) (bool, error) {
	return true, nil
}
