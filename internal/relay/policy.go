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
	"net"

	"github.com/kestrel-mta/kestrel/framework/address"
	"github.com/kestrel-mta/kestrel/framework/dns"
	"github.com/kestrel-mta/kestrel/internal/events"
	"github.com/kestrel-mta/kestrel/internal/smtpsrv"
)

// Policy decides at RCPT time whether a recipient is delivered locally,
// relayed, or refused. It implements the server's Router contract.
//
// Relaying is permitted for authenticated sessions, for recipient domains
// listed in RelayDomains and for clients connecting from RelayNetworks.
// Everything else that is not local is an open-relay attempt and is denied.
type Policy struct {
	// Domains delivered to the local message store.
	LocalDomains []string
	// Recipient domains this server relays for (secondary MX role).
	RelayDomains []string
	// Client networks trusted to relay anywhere.
	RelayNetworks []*net.IPNet
}

func (p *Policy) Route(si events.SessionInfo, rcpt string) smtpsrv.RouteKind {
	_, domain, err := address.Split(rcpt)
	if err != nil {
		// Let postmaster and other domainless forms stay local.
		return smtpsrv.RouteLocal
	}
	for _, local := range p.LocalDomains {
		if dns.Equal(local, domain) {
			return smtpsrv.RouteLocal
		}
	}

	if si.AuthUser != "" {
		return smtpsrv.RouteRelay
	}
	for _, rd := range p.RelayDomains {
		if dns.Equal(rd, domain) {
			return smtpsrv.RouteRelay
		}
	}
	if ip := remoteIP(si.RemoteAddr); ip != nil {
		for _, network := range p.RelayNetworks {
			if network.Contains(ip) {
				return smtpsrv.RouteRelay
			}
		}
	}

	return smtpsrv.RouteDenied
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}
