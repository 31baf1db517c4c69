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

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/kestrel-mta/kestrel/framework/dns"
)

// DKIM verifies the message's DKIM signatures (RFC 6376). An unsigned
// message is a weak signal, a message whose signatures all fail is a
// stronger one.
type DKIM struct {
	Resolver dns.Resolver

	// Zero values fall back to the defaults (no signature 10, all broken 30).
	NoSigScore  int
	BrokenScore int
}

func (c *DKIM) Name() string { return "dkim" }

func (c *DKIM) Check(ctx context.Context, m *Mail) (CheckResult, error) {
	verifs, err := m.evalDKIM(ctx, c.Resolver)
	if err != nil && len(verifs) == 0 {
		return CheckResult{}, err
	}

	if len(verifs) == 0 {
		score := c.NoSigScore
		if score == 0 {
			score = 10
		}
		return CheckResult{
			Score:   score,
			Reason:  "no DKIM signature",
			AuthRes: []authres.Result{&authres.DKIMResult{Value: authres.ResultNone}},
		}, nil
	}

	cr := CheckResult{}
	goodSigs := 0
	for _, verif := range verifs {
		res := &authres.DKIMResult{
			Value:      authres.ResultPass,
			Domain:     verif.Domain,
			Identifier: verif.Identifier,
		}
		switch {
		case verif.Err == nil:
			goodSigs++
		case dkim.IsTempFail(verif.Err):
			res.Value = authres.ResultTempError
			res.Reason = verif.Err.Error()
		case dkim.IsPermFail(verif.Err):
			res.Value = authres.ResultPermError
			res.Reason = verif.Err.Error()
		default:
			res.Value = authres.ResultFail
			res.Reason = verif.Err.Error()
		}
		cr.AuthRes = append(cr.AuthRes, res)
	}

	if goodSigs == 0 {
		score := c.BrokenScore
		if score == 0 {
			score = 30
		}
		cr.Score = score
		cr.Reason = "all DKIM signatures are broken"
	}
	return cr, nil
}
