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
	"hash/fnv"
	"strings"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/kestrel-mta/kestrel/framework/dns"
	"golang.org/x/net/publicsuffix"
)

// DMARC fetches the policy of the From header domain (RFC 7489) and
// evaluates SPF and DKIM alignment against it. It reuses the cached SPF and
// DKIM evaluations, so placing it in the same pipeline as the SPF and DKIM
// checkers costs no extra DNS work.
type DMARC struct {
	Resolver dns.Resolver

	// Zero values fall back to the defaults
	// (p=reject fail 60, p=quarantine fail 40, p=none fail 10).
	RejectScore     int
	QuarantineScore int
	NoneScore       int
}

func (c *DMARC) Name() string { return "dmarc" }

func (c *DMARC) Check(ctx context.Context, m *Mail) (CheckResult, error) {
	fromDomain, err := m.FromDomain()
	if err != nil || fromDomain == "" {
		// Unparsable From is scored by content heuristics, not here.
		return CheckResult{}, nil
	}
	fromDomain, _ = dns.ForLookup(fromDomain)

	record, err := dmarc.LookupWithOptions(fromDomain, &dmarc.LookupOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return c.Resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		if errors.Is(err, dmarc.ErrNoPolicy) {
			return CheckResult{
				AuthRes: []authres.Result{&authres.DMARCResult{Value: authres.ResultNone, From: fromDomain}},
			}, nil
		}
		return CheckResult{
			AuthRes: []authres.Result{&authres.DMARCResult{
				Value: authres.ResultTempError, Reason: err.Error(), From: fromDomain,
			}},
		}, nil
	}

	aligned := c.spfAligned(ctx, m, fromDomain, record.SPFAlignment) ||
		c.dkimAligned(ctx, m, fromDomain, record.DKIMAlignment)
	if aligned {
		return CheckResult{
			AuthRes: []authres.Result{&authres.DMARCResult{Value: authres.ResultPass, From: fromDomain}},
		}, nil
	}

	cr := CheckResult{
		Reason: "DMARC fail for " + fromDomain + " (p=" + string(record.Policy) + ")",
		AuthRes: []authres.Result{&authres.DMARCResult{
			Value: authres.ResultFail, From: fromDomain,
		}},
	}

	policy := record.Policy
	if record.Percent != nil && !sampled(m, *record.Percent) {
		// Outside the pct= sample the policy degrades one step, like
		// the quarantine/none fallback in RFC 7489 section 6.6.4.
		switch policy {
		case dmarc.PolicyReject:
			policy = dmarc.PolicyQuarantine
		case dmarc.PolicyQuarantine:
			policy = dmarc.PolicyNone
		}
	}

	switch policy {
	case dmarc.PolicyReject:
		cr.IsSpam = true
		cr.Score = defaultScore(c.RejectScore, 60)
	case dmarc.PolicyQuarantine:
		cr.Score = defaultScore(c.QuarantineScore, 40)
	default:
		cr.Score = defaultScore(c.NoneScore, 10)
	}
	return cr, nil
}

func (c *DMARC) spfAligned(ctx context.Context, m *Mail, fromDomain string, mode dmarc.AlignmentMode) bool {
	res, err := m.evalSPF(ctx, c.Resolver)
	if err != nil || res != spf.Pass {
		return false
	}
	return domainsAligned(m.MailFromDomain(), fromDomain, mode)
}

func (c *DMARC) dkimAligned(ctx context.Context, m *Mail, fromDomain string, mode dmarc.AlignmentMode) bool {
	verifs, _ := m.evalDKIM(ctx, c.Resolver)
	for _, verif := range verifs {
		if verif.Err != nil {
			continue
		}
		if domainsAligned(verif.Domain, fromDomain, mode) {
			return true
		}
	}
	return false
}

func domainsAligned(domain, fromDomain string, mode dmarc.AlignmentMode) bool {
	domain, _ = dns.ForLookup(domain)
	if mode == dmarc.AlignmentStrict {
		return domain == fromDomain
	}
	return orgDomain(domain) == orgDomain(fromDomain)
}

// orgDomain maps a domain to its organizational domain using the public
// suffix list. Unlistable input is returned as is.
func orgDomain(domain string) string {
	org, err := publicsuffix.EffectiveTLDPlusOne(strings.TrimSuffix(domain, "."))
	if err != nil {
		return domain
	}
	return org
}

// sampled implements pct= sampling: a stable per-message hash keeps retries
// of the same message in the same bucket.
func sampled(m *Mail, pct int) bool {
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}

	key := m.Raw
	if hdr, err := m.Header(); err == nil {
		if id := hdr.Get("Message-Id"); id != "" {
			key = []byte(id)
		}
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32()%100) < pct
}

func defaultScore(configured, dflt int) int {
	if configured != 0 {
		return configured
	}
	return dflt
}
