package auth

import (
	"context"
	"errors"
	"testing"
)

// scriptedIO feeds canned responses to the authenticator and records
// challenges.
type scriptedIO struct {
	responses  [][]byte
	challenges [][]byte
}

func (s *scriptedIO) Challenge(data []byte) error {
	s.challenges = append(s.challenges, data)
	return nil
}

func (s *scriptedIO) Response() ([]byte, error) {
	if len(s.responses) == 0 {
		return nil, ErrCancelled
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func TestPlainInitialResponse(t *testing.T) {
	a := Plain(StaticVerifier{"joe": "secret"})
	if a.Mechanism() != "PLAIN" {
		t.Fatalf("mechanism: %s", a.Mechanism())
	}

	id, err := a.Authenticate(context.Background(), &scriptedIO{}, []byte("\x00joe\x00secret"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id != "joe" {
		t.Errorf("identity: want joe, got %q", id)
	}
}

func TestPlainDeferredResponse(t *testing.T) {
	a := Plain(StaticVerifier{"joe": "secret"})
	io := &scriptedIO{responses: [][]byte{[]byte("\x00joe\x00secret")}}

	id, err := a.Authenticate(context.Background(), io, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id != "joe" {
		t.Errorf("identity: want joe, got %q", id)
	}
	if len(io.challenges) != 1 {
		t.Errorf("want one empty challenge, got %d", len(io.challenges))
	}
}

func TestPlainBadCredentials(t *testing.T) {
	a := Plain(StaticVerifier{"joe": "secret"})
	_, err := a.Authenticate(context.Background(), &scriptedIO{}, []byte("\x00joe\x00wrong"))
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("want ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginExchange(t *testing.T) {
	a := Login(StaticVerifier{"joe": "secret"})
	if a.Mechanism() != "LOGIN" {
		t.Fatalf("mechanism: %s", a.Mechanism())
	}

	io := &scriptedIO{responses: [][]byte{[]byte("joe"), []byte("secret")}}
	id, err := a.Authenticate(context.Background(), io, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id != "joe" {
		t.Errorf("identity: want joe, got %q", id)
	}
	if len(io.challenges) != 2 {
		t.Errorf("want two challenges, got %d", len(io.challenges))
	}
}

func TestCancelledExchange(t *testing.T) {
	a := Login(StaticVerifier{"joe": "secret"})
	_, err := a.Authenticate(context.Background(), &scriptedIO{}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("want ErrCancelled, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	v := StaticVerifier{}
	r := NewRegistry(Plain(v), Login(v))

	mechs := r.Mechanisms()
	if len(mechs) != 2 || mechs[0] != "PLAIN" || mechs[1] != "LOGIN" {
		t.Errorf("mechanisms: %v", mechs)
	}
	if _, err := r.Get("PLAIN"); err != nil {
		t.Errorf("Get(PLAIN): %v", err)
	}
	if _, err := r.Get("CRAM-MD5"); !errors.Is(err, ErrUnsupportedMech) {
		t.Errorf("Get(CRAM-MD5): %v", err)
	}
}
