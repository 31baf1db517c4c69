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
	"bufio"
	"bytes"
	"context"
	"net"
	"net/mail"
	"sync"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/kestrel-mta/kestrel/framework/address"
	kdns "github.com/kestrel-mta/kestrel/framework/dns"
)

// Mail is the checker input: the session envelope plus the raw message as
// received. Checkers share the parsed header and the SPF/DKIM evaluations
// through lazy caches so DMARC does not repeat their work.
type Mail struct {
	ClientIP net.IP
	RDNSName string
	HELO     string
	TLS      bool
	AuthUser string

	MailFrom string
	RcptTo   []string

	// Raw message bytes with CRLF line endings, headers included.
	Raw []byte

	headerOnce sync.Once
	header     textproto.Header
	headerErr  error

	spfOnce sync.Once
	spfRes  spf.Result
	spfErr  error

	dkimOnce sync.Once
	dkimRes  []*dkim.Verification
	dkimErr  error
}

// Header parses and caches the message header.
func (m *Mail) Header() (textproto.Header, error) {
	m.headerOnce.Do(func() {
		hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Raw)))
		if err != nil {
			m.headerErr = err
			return
		}
		m.header = hdr
	})
	return m.header.Copy(), m.headerErr
}

// Body returns the raw bytes following the header block, or the whole
// message when no blank separator line is found.
func (m *Mail) Body() []byte {
	if i := bytes.Index(m.Raw, []byte("\r\n\r\n")); i >= 0 {
		return m.Raw[i+4:]
	}
	return m.Raw
}

// FromDomain returns the domain of the RFC 5322 From header address.
func (m *Mail) FromDomain() (string, error) {
	hdr, err := m.Header()
	if err != nil {
		return "", err
	}
	from, err := mail.ParseAddress(hdr.Get("From"))
	if err != nil {
		return "", err
	}
	_, domain, err := address.Split(from.Address)
	return domain, err
}

// MailFromDomain returns the domain of the envelope sender, or the HELO
// name for the null path (per RFC 7208 the HELO identity stands in).
func (m *Mail) MailFromDomain() string {
	if m.MailFrom == "" {
		return m.HELO
	}
	_, domain, err := address.Split(m.MailFrom)
	if err != nil {
		return m.HELO
	}
	return domain
}

// evalSPF runs the SPF check once and caches the outcome for the SPF and
// DMARC checkers. The first caller's context bounds the DNS lookups.
func (m *Mail) evalSPF(ctx context.Context, r kdns.Resolver) (spf.Result, error) {
	m.spfOnce.Do(func() {
		opts := []spf.Option{spf.WithContext(ctx)}
		if res, ok := r.(spf.DNSResolver); ok {
			opts = append(opts, spf.WithResolver(res))
		}
		sender := m.MailFrom
		if sender == "" {
			sender = "postmaster@" + m.HELO
		}
		m.spfRes, m.spfErr = spf.CheckHostWithSender(m.ClientIP, kdns.FQDN(m.HELO), sender, opts...)
	})
	return m.spfRes, m.spfErr
}

// evalDKIM verifies all DKIM signatures once and caches the verifications.
func (m *Mail) evalDKIM(ctx context.Context, r kdns.Resolver) ([]*dkim.Verification, error) {
	m.dkimOnce.Do(func() {
		m.dkimRes, m.dkimErr = dkim.VerifyWithOptions(bytes.NewReader(m.Raw), &dkim.VerifyOptions{
			LookupTXT: func(domain string) ([]string, error) {
				return r.LookupTXT(ctx, domain)
			},
		})
	})
	return m.dkimRes, m.dkimErr
}
