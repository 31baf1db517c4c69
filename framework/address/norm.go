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

package address

import (
	"fmt"
	"strings"

	"github.com/kestrel-mta/kestrel/framework/dns"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// ForLookup converts the address into a canonical form usable for map
// lookups and comparisons: Unicode NFC normalization, case-folding of both
// the local-part and the domain, U-labels domain form.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return "", err
	}

	if domain == "" {
		// Postmaster.
		return strings.ToLower(mbox), nil
	}

	mbox, err = precis.UsernameCaseMapped.CompareKey(norm.NFC.String(mbox))
	if err != nil {
		return "", fmt.Errorf("address: local-part normalization failed: %w", err)
	}

	uDomain, err := dns.ForLookup(domain)
	if err != nil {
		return "", fmt.Errorf("address: domain normalization failed: %w", err)
	}

	return mbox + "@" + uDomain, nil
}

// Equal reports whether two addresses are semantically equivalent after
// ForLookup normalization. Malformed addresses are compared byte-wise with
// ASCII case-folding.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}

	n1, err1 := ForLookup(addr1)
	n2, err2 := ForLookup(addr2)
	if err1 != nil || err2 != nil {
		return strings.EqualFold(addr1, addr2)
	}
	return n1 == n2
}
