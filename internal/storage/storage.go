package storage

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user already exists")
	ErrMagicLinkNotFound = errors.New("magic link not found")
	ErrMagicLinkExists   = errors.New("magic link token collision")
	ErrRateLimited       = errors.New("too many outstanding magic links")
)

var ErrTimeout = errors.New("storage operation timed out")

// Limit describes the rate-limit guard evaluated in the same transaction as a magic link insert.
type Limit struct {
	// Window, when positive, counts links created after Now-Window.
	// Otherwise links still outstanding at Now are counted.
	Window      time.Duration
	Max         int
	AllowedUses int
	Now         time.Time
}

// Consume describes the conditional update that spends one use of a link.
type Consume struct {
	AllowedUses int
	// Now rejects links whose expiry has passed by the time the update runs.
	Now time.Time
	// BindIP, when set, binds a link that has no address yet and requires a match otherwise.
	BindIP string
}
