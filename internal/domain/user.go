// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

// UserID is the opaque identity the signaling server routes by.
type UserID string

type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser validates the identity; an empty name falls back to the id.
func NewUser(id, name string) (User, error) {
	if err := ValidateUserID(id); err != nil {
		return User{}, err
	}
	if len(name) > MaxUsernameLen {
		return User{}, ErrUsernameTooLong
	}
	if name == "" {
		name = id
	}
	return User{ID: UserID(id), Name: name}, nil
}

func ValidateUserID(id string) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
