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

// Package auth implements the SASL authentication contract of the SMTP
// session: pluggable per-mechanism authenticators driving the framed
// challenge/response exchange of the AUTH command.
package auth

import (
	"context"
	"errors"

	"github.com/emersion/go-sasl"
)

var (
	// ErrCancelled is returned by ChallengeIO.Response when the client
	// aborts the exchange with "*". Maps to a 501 reply.
	ErrCancelled = errors.New("auth: exchange cancelled by client")

	// ErrInvalidCredentials is returned by Verifiers on bad credentials.
	// Never include the attempted credentials in error text or fields.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUnsupportedMech is returned when the client requests a mechanism
	// no authenticator is registered for. Maps to a 504 reply.
	ErrUnsupportedMech = errors.New("auth: unsupported mechanism")
)

// ChallengeIO is the session side of the AUTH exchange. Challenge sends a
// 334 reply with the base64-encoded data, Response reads and decodes the
// next client line.
type ChallengeIO interface {
	Challenge(data []byte) error
	Response() ([]byte, error)
}

// Authenticator implements one SASL mechanism. Authenticate runs the
// challenge/response loop and returns the authorized identity on success.
type Authenticator interface {
	Mechanism() string
	Authenticate(ctx context.Context, io ChallengeIO, initialResp []byte) (identity string, err error)
}

// Verifier checks a username/password pair. Implementations return
// ErrInvalidCredentials (possibly wrapped) for a mismatch and other errors
// for backend failures.
type Verifier interface {
	Verify(ctx context.Context, username, password string) error
}

type VerifierFunc func(ctx context.Context, username, password string) error

func (f VerifierFunc) Verify(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// saslAuthenticator adapts a go-sasl server mechanism to the Authenticator
// interface.
type saslAuthenticator struct {
	mech      string
	newServer func(ctx context.Context, identity *string) sasl.Server
}

func (a *saslAuthenticator) Mechanism() string {
	return a.mech
}

func (a *saslAuthenticator) Authenticate(ctx context.Context, io ChallengeIO, initialResp []byte) (string, error) {
	var identity string
	srv := a.newServer(ctx, &identity)

	resp := initialResp
	for {
		challenge, done, err := srv.Next(resp)
		if err != nil {
			return "", err
		}
		if done {
			return identity, nil
		}

		if err := io.Challenge(challenge); err != nil {
			return "", err
		}
		resp, err = io.Response()
		if err != nil {
			return "", err
		}
	}
}

// Plain returns an AUTH PLAIN authenticator backed by the verifier.
func Plain(v Verifier) Authenticator {
	return &saslAuthenticator{
		mech: sasl.Plain,
		newServer: func(ctx context.Context, identity *string) sasl.Server {
			return sasl.NewPlainServer(func(authzid, username, password string) error {
				if authzid != "" && authzid != username {
					return ErrInvalidCredentials
				}
				if err := v.Verify(ctx, username, password); err != nil {
					return err
				}
				*identity = username
				return nil
			})
		},
	}
}

// Login returns an AUTH LOGIN authenticator backed by the verifier. LOGIN
// is obsolete but still widely used by legacy clients.
func Login(v Verifier) Authenticator {
	return &saslAuthenticator{
		mech: sasl.Login,
		newServer: func(ctx context.Context, identity *string) sasl.Server {
			return sasl.NewLoginServer(func(username, password string) error {
				if err := v.Verify(ctx, username, password); err != nil {
					return err
				}
				*identity = username
				return nil
			})
		},
	}
}

// Registry is an ordered set of authenticators. Order determines the EHLO
// AUTH capability listing.
type Registry struct {
	auths []Authenticator
}

func NewRegistry(auths ...Authenticator) *Registry {
	return &Registry{auths: auths}
}

func (r *Registry) Mechanisms() []string {
	if r == nil {
		return nil
	}
	res := make([]string, 0, len(r.auths))
	for _, a := range r.auths {
		res = append(res, a.Mechanism())
	}
	return res
}

func (r *Registry) Get(mech string) (Authenticator, error) {
	if r == nil {
		return nil, ErrUnsupportedMech
	}
	for _, a := range r.auths {
		if a.Mechanism() == mech {
			return a, nil
		}
	}
	return nil, ErrUnsupportedMech
}

func (r *Registry) Empty() bool {
	return r == nil || len(r.auths) == 0
}
