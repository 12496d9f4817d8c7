package domain

import "errors"

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserExists       = errors.New("user already exists")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityExists   = errors.New("identity already linked")
)
