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

package dns

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Upstream is a Resolver implementation that queries a fixed set of DNS
// servers instead of the system resolver. Servers are tried in order, the
// first one that produces any reply (including NXDOMAIN) wins.
type Upstream struct {
	// Server addresses in host:port form.
	Servers []string

	// Per-exchange timeout. Zero means 5 seconds.
	Timeout time.Duration
}

func NewUpstream(servers []string) *Upstream {
	prepared := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		prepared = append(prepared, s)
	}
	return &Upstream{Servers: prepared}
}

func (u *Upstream) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	cl := dns.Client{Timeout: u.Timeout}
	if cl.Timeout == 0 {
		cl.Timeout = 5 * time.Second
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, srv := range u.Servers {
		reply, _, err := cl.ExchangeContext(ctx, msg, srv)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode == dns.RcodeNameError {
			return reply, &net.DNSError{
				Err:         "no such host",
				Name:        name,
				Server:      srv,
				IsNotFound:  true,
				IsTemporary: false,
			}
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = &net.DNSError{
				Err:         "server failure: " + dns.RcodeToString[reply.Rcode],
				Name:        name,
				Server:      srv,
				IsTemporary: reply.Rcode == dns.RcodeServerFailure,
			}
			continue
		}
		return reply, nil
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no servers configured", Name: name, IsTemporary: true}
	}
	return nil, lastErr
}

func (u *Upstream) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	reply, err := u.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	var res []*net.MX
	for _, rr := range reply.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		res = append(res, &net.MX{Host: mx.Mx, Pref: mx.Preference})
	}
	return res, nil
}

func (u *Upstream) LookupTXT(ctx context.Context, name string) ([]string, error) {
	reply, err := u.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, rr := range reply.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		res = append(res, strings.Join(txt.Txt, ""))
	}
	return res, nil
}

func (u *Upstream) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var res []net.IPAddr

	replyA, errA := u.exchange(ctx, host, dns.TypeA)
	if errA == nil {
		for _, rr := range replyA.Answer {
			if a, ok := rr.(*dns.A); ok {
				res = append(res, net.IPAddr{IP: a.A})
			}
		}
	}
	replyAAAA, errAAAA := u.exchange(ctx, host, dns.TypeAAAA)
	if errAAAA == nil {
		for _, rr := range replyAAAA.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				res = append(res, net.IPAddr{IP: aaaa.AAAA})
			}
		}
	}

	if len(res) == 0 {
		if errA != nil {
			return nil, errA
		}
		if errAAAA != nil {
			return nil, errAAAA
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return res, nil
}

func (u *Upstream) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := u.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(addrs))
	for _, a := range addrs {
		res = append(res, a.IP.String())
	}
	return res, nil
}

func (u *Upstream) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}
	reply, err := u.exchange(ctx, strings.TrimSuffix(arpa, "."), dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, rr := range reply.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			res = append(res, ptr.Ptr)
		}
	}
	return res, nil
}
