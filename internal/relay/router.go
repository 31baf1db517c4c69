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

package relay

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
	"strconv"

	"github.com/kestrel-mta/kestrel/framework/dns"
	"github.com/kestrel-mta/kestrel/framework/exterrors"
)

// target is one host a delivery attempt may connect to, in failover order.
type target struct {
	host string
	port int

	username string
	password string
}

func (t target) addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// targetsFor resolves the ordered host list for a recipient domain:
//
//  1. DomainRouting overrides win unconditionally.
//  2. With UseMxRouting, MX records sorted by preference; equal-preference
//     records are shuffled so load spreads across them.
//  3. DefaultSmartHost, then the SmartHosts tiers by ascending priority
//     with weighted-random ordering inside each tier.
func (r *Relay) targetsFor(ctx context.Context, domain string) ([]target, error) {
	lookupDomain, _ := dns.ForLookup(domain)
	if hosts, ok := r.DomainRouting[lookupDomain]; ok {
		targets := make([]target, 0, len(hosts))
		for _, host := range hosts {
			targets = append(targets, r.splitHostPort(host))
		}
		return targets, nil
	}

	if r.UseMxRouting {
		targets, err := r.mxTargets(ctx, domain)
		if err == nil && len(targets) != 0 {
			return targets, nil
		}
		if err != nil {
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				return nil, exterrors.WithFields(err, map[string]any{
					"target": "relay", "domain": domain,
				})
			}
		}
		// NXDOMAIN or a domain without MX records falls through to the
		// smart hosts, if any.
	}

	return r.smartHostTargets(), nil
}

func (r *Relay) splitHostPort(host string) target {
	if h, p, err := net.SplitHostPort(host); err == nil {
		if port, err := strconv.Atoi(p); err == nil {
			return target{host: h, port: port}
		}
	}
	return target{host: host, port: r.port()}
}

func (r *Relay) mxTargets(ctx context.Context, domain string) ([]target, error) {
	records, err := r.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	recs := append([]*net.MX(nil), records...)
	rand.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Pref < recs[j].Pref })

	targets := make([]target, 0, len(recs))
	for _, mx := range recs {
		// "Null MX" (RFC 7505): the domain does not accept mail.
		if mx.Host == "." {
			return nil, &exterrors.SMTPError{
				Code:         556,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
				Message:      "Domain does not accept mail (null MX)",
				TargetName:   "relay",
			}
		}
		host, _ := dns.ForLookup(mx.Host)
		targets = append(targets, target{host: host, port: r.port()})
	}
	return targets, nil
}

func (r *Relay) smartHostTargets() []target {
	var targets []target
	if r.DefaultSmartHost != "" {
		targets = append(targets, r.splitHostPort(r.DefaultSmartHost))
	}

	tiers := map[int][]SmartHost{}
	priorities := []int{}
	for _, sh := range r.SmartHosts {
		if _, seen := tiers[sh.Priority]; !seen {
			priorities = append(priorities, sh.Priority)
		}
		tiers[sh.Priority] = append(tiers[sh.Priority], sh)
	}
	sort.Ints(priorities)

	for _, pri := range priorities {
		for _, sh := range weightedOrder(tiers[pri]) {
			port := sh.Port
			if port == 0 {
				port = r.port()
			}
			targets = append(targets, target{
				host:     sh.Host,
				port:     port,
				username: sh.Username,
				password: sh.Password,
			})
		}
	}
	return targets
}

// weightedOrder orders the hosts of one tier by repeated weighted random
// sampling without replacement, so higher-weight hosts are tried first
// more often but every host remains in the failover chain.
func weightedOrder(tier []SmartHost) []SmartHost {
	pool := append([]SmartHost(nil), tier...)
	out := make([]SmartHost, 0, len(pool))

	for len(pool) > 0 {
		total := 0
		for _, sh := range pool {
			total += weightOf(sh)
		}
		pick := rand.Intn(total)
		for i, sh := range pool {
			pick -= weightOf(sh)
			if pick < 0 {
				out = append(out, sh)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return out
}

func weightOf(sh SmartHost) int {
	if sh.Weight <= 0 {
		return 1
	}
	return sh.Weight
}
