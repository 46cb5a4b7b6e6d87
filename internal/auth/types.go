package auth

import (
	"errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Mode selects how requests are authenticated.
type Mode string

const (
	// ModeDisabled lets every request through.
	ModeDisabled Mode = "disabled"
	// ModeToken requires a static bearer token on mutating requests.
	ModeToken Mode = "token"
)

// AnonymousSubject is recorded in audit entries when authentication is disabled.
const AnonymousSubject = "anonymous"

// Subject identifies the caller of an authenticated request.
type Subject struct {
	Name   string
	Method string
}

// Clone returns a copy of the subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
