// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen   = 64
	MaxFullNameLen = 64
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrFullNameTooLong = errors.New("full name too long")
)

type UserID string

// Profile is the identity-provider view of a user: a stable id plus
// whatever a directory UI needs to render an entry. The service never
// mints these itself; they arrive pre-authenticated at registration.
type Profile struct {
	ID       UserID `json:"id"`
	FullName string `json:"fullName"`
	ImageURL string `json:"imageUrl,omitempty"`
}

func (p Profile) Validate() error {
	if p.ID == "" {
		return ErrUserIDEmpty
	}
	if len(p.ID) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	if len(p.FullName) > MaxFullNameLen {
		return ErrFullNameTooLong
	}
	return nil
}
