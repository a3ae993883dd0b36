package tier

import "github.com/pkg/errors"

var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("tier: store closed")
	// ErrInvariantViolation is the panic value cause for broken bookkeeping.
	ErrInvariantViolation = errors.New("tier: invariant violation")
	// ErrBadOptions is returned by New for unusable Options.
	ErrBadOptions = errors.New("tier: bad options")
)
