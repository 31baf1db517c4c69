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

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/kestrel-mta/kestrel/framework/dns"
)

// SPF evaluates the sender policy of the envelope sender domain (RFC 7208)
// against the connecting IP. For the null reverse-path the HELO identity is
// checked instead.
type SPF struct {
	Resolver dns.Resolver

	// Scores per policy outcome. Zero values fall back to the defaults
	// (fail 50, softfail 25, permerror 10).
	FailScore     int
	SoftfailScore int
	PermerrScore  int
}

func (c *SPF) Name() string { return "spf" }

func (c *SPF) score(dflt, configured int) int {
	if configured != 0 {
		return configured
	}
	return dflt
}

func (c *SPF) Check(ctx context.Context, m *Mail) (CheckResult, error) {
	if m.ClientIP == nil {
		return CheckResult{}, nil
	}

	res, err := m.evalSPF(ctx, c.Resolver)

	authRes := &authres.SPFResult{
		Value: authResValue(res),
		From:  m.MailFrom,
		Helo:  m.HELO,
	}
	if err != nil {
		authRes.Reason = err.Error()
	}
	cr := CheckResult{AuthRes: []authres.Result{authRes}}

	switch res {
	case spf.Fail:
		cr.IsSpam = true
		cr.Score = c.score(50, c.FailScore)
		cr.Reason = "SPF fail for " + m.MailFromDomain()
	case spf.SoftFail:
		cr.Score = c.score(25, c.SoftfailScore)
		cr.Reason = "SPF softfail for " + m.MailFromDomain()
	case spf.PermError:
		cr.Score = c.score(10, c.PermerrScore)
		cr.Reason = "invalid SPF record for " + m.MailFromDomain()
	case spf.TempError:
		// DNS trouble on their side or ours, do not penalize.
		return cr, nil
	}
	return cr, nil
}

func authResValue(res spf.Result) authres.ResultValue {
	switch res {
	case spf.Pass:
		return authres.ResultPass
	case spf.Fail:
		return authres.ResultFail
	case spf.SoftFail:
		return authres.ResultSoftFail
	case spf.Neutral:
		return authres.ResultNeutral
	case spf.TempError:
		return authres.ResultTempError
	case spf.PermError:
		return authres.ResultPermError
	default:
		return authres.ResultNone
	}
}
