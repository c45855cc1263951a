package domain

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound covers unknown ids as well as jobs the requester may not
	// touch and jobs already stopped.
	ErrNotFound         = errors.New("job not found")
	ErrInvalidSpec      = errors.New("invalid job spec")
	ErrUserNotFound     = errors.New("user not found")
	ErrProfileNotFound  = errors.New("api profile not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidCode      = errors.New("invalid or expired verification code")
	ErrUnauthorized     = errors.New("not allowed")
)
