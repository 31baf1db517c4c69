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

package antispam

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/kestrel-mta/kestrel/framework/dns"
)

// RBLZone is one DNS blocklist to query.
type RBLZone struct {
	// Zone name, e.g. "zen.spamhaus.org".
	Zone string
	// Score added when the client IP is listed. Zero means 30.
	Score int
}

// RBL checks the client IP against DNS blocklists. Zones are queried
// concurrently; listings accumulate.
type RBL struct {
	Resolver dns.Resolver
	Zones    []RBLZone
}

func (c *RBL) Name() string { return "rbl" }

func (c *RBL) Check(ctx context.Context, m *Mail) (CheckResult, error) {
	if m.ClientIP == nil || len(c.Zones) == 0 {
		return CheckResult{}, nil
	}
	rev, err := reverseIP(m.ClientIP)
	if err != nil {
		return CheckResult{}, err
	}

	type hit struct {
		zone   string
		score  int
		reason string
	}
	hits := make([]*hit, len(c.Zones))

	var wg sync.WaitGroup
	for i, zone := range c.Zones {
		i, zone := i, zone
		wg.Add(1)
		go func() {
			defer wg.Done()
			query := rev + "." + zone.Zone

			if _, err := c.Resolver.LookupHost(ctx, query); err != nil {
				// NXDOMAIN means not listed. Other failures are treated
				// the same, a flaky list must not hold up mail.
				return
			}

			score := zone.Score
			if score == 0 {
				score = 30
			}
			h := &hit{zone: zone.Zone, score: score}
			if txt, err := c.Resolver.LookupTXT(ctx, query); err == nil && len(txt) != 0 {
				h.reason = txt[0]
			}
			hits[i] = h
		}()
	}
	wg.Wait()

	cr := CheckResult{Details: map[string]any{}}
	var listed []string
	for _, h := range hits {
		if h == nil {
			continue
		}
		cr.Score += h.score
		listed = append(listed, h.zone)
		if h.reason != "" {
			cr.Details[h.zone] = h.reason
		}
	}
	if len(listed) != 0 {
		cr.IsSpam = true
		cr.Reason = "listed in " + strings.Join(listed, ", ")
	}
	if cr.Score > 100 {
		cr.Score = 100
	}
	return cr, nil
}

// reverseIP formats an IP for blocklist queries: reversed dotted quads for
// IPv4, reversed nibbles for IPv6.
func reverseIP(ip net.IP) (string, error) {
	if v4 := ip.To4(); v4 != nil {
		octets := strings.Split(v4.String(), ".")
		return octets[3] + "." + octets[2] + "." + octets[1] + "." + octets[0], nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return "", errors.New("antispam: malformed IP")
	}
	const hexDigit = "0123456789abcdef"
	buf := make([]byte, 0, 63)
	for i := len(v6) - 1; i >= 0; i-- {
		buf = append(buf, hexDigit[v6[i]&0xF], '.', hexDigit[v6[i]>>4])
		if i != 0 {
			buf = append(buf, '.')
		}
	}
	return string(buf), nil
}
