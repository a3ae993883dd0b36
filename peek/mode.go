// Package peek defines the peek-mode vocabulary shared by the grid: the modes
// callers pass to peek/size operations, the roles and tiers a resident copy
// can be classified into, and the resolver that compiles a mode set into a
// predicate over (role, tier) pairs.
package peek

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidModeCombination is returned for input that cannot be normalized
// into a predicate (e.g. an unknown mode token).
var ErrInvalidModeCombination = errors.New("peek: invalid mode combination")

// Mode is a role or tier filter token.
type Mode uint8

const (
	// All selects every role on the default tiers (heap and off-heap).
	// It never implies Swap.
	All Mode = iota
	// Primary selects copies held as the partition's primary owner.
	Primary
	// Backup selects copies held as a backup owner.
	Backup
	// Near selects near-cache copies of remotely owned entries.
	Near
	// OnHeap selects copies resident in the bounded heap tier.
	OnHeap
	// OffHeap selects copies resident in the off-heap tier.
	OffHeap
	// Swap selects copies resident in the disk-backed swap tier.
	Swap

	modeCount
)

var modeNames = [...]string{
	All:     "ALL",
	Primary: "PRIMARY",
	Backup:  "BACKUP",
	Near:    "NEAR",
	OnHeap:  "ONHEAP",
	OffHeap: "OFFHEAP",
	Swap:    "SWAP",
}

func (m Mode) String() string {
	if m < modeCount {
		return modeNames[m]
	}
	return "Mode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m < modeCount }

// ParseMode parses a case-insensitive mode token.
func ParseMode(s string) (Mode, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == up {
			return Mode(i), nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidModeCombination, "unknown peek mode %q", s)
}

// ParseModes parses a list of tokens. An empty list yields an empty set,
// which Resolve treats as {ALL}.
func ParseModes(tokens ...string) ([]Mode, error) {
	out := make([]Mode, 0, len(tokens))
	for _, t := range tokens {
		m, err := ParseMode(t)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Strings renders modes as tokens, the form they travel in over the wire.
func Strings(modes []Mode) []string {
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = m.String()
	}
	return out
}

// Role is the topology role of a resident copy, derived at query time.
type Role uint8

const (
	// RoleNone marks a main-store copy on a node that no longer owns the
	// partition at the queried version. It matches no role filter.
	RoleNone Role = iota
	RolePrimary
	RoleBackup
	RoleNear
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleBackup:
		return "BACKUP"
	case RoleNear:
		return "NEAR"
	default:
		return "NONE"
	}
}

// Tier is the storage tier a copy currently resides in.
type Tier uint8

const (
	TierNone Tier = iota
	TierHeap
	TierOffHeap
	TierSwap
)

func (t Tier) String() string {
	switch t {
	case TierHeap:
		return "ONHEAP"
	case TierOffHeap:
		return "OFFHEAP"
	case TierSwap:
		return "SWAP"
	default:
		return "NONE"
	}
}

// Tiers lists the real tiers in demotion order.
var Tiers = [...]Tier{TierHeap, TierOffHeap, TierSwap}
