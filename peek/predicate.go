package peek

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	roleMaskAll = 1<<RolePrimary | 1<<RoleBackup | 1<<RoleNear
	tierMaskDef = 1<<TierHeap | 1<<TierOffHeap
)

// Predicate accepts a (role, tier) pair iff the role is in its role subset
// and the tier is in its tier subset. The zero value accepts nothing.
type Predicate struct {
	roles uint8
	tiers uint8
}

// Resolve compiles a mode set into a Predicate.
//
// Rules:
//   - an empty set is {ALL};
//   - ALL contributes every role and the default tiers {ONHEAP, OFFHEAP};
//   - an empty role subset defaults to {PRIMARY, BACKUP, NEAR};
//   - an empty tier subset defaults to {ONHEAP, OFFHEAP}.
//
// SWAP is never implied: swap residents are only visible when SWAP is
// requested explicitly. Overlapping roles (PRIMARY+BACKUP) simply union.
func Resolve(modes ...Mode) (Predicate, error) {
	var p Predicate
	if len(modes) == 0 {
		modes = []Mode{All}
	}
	for _, m := range modes {
		switch m {
		case All:
			p.roles |= roleMaskAll
			p.tiers |= tierMaskDef
		case Primary:
			p.roles |= 1 << RolePrimary
		case Backup:
			p.roles |= 1 << RoleBackup
		case Near:
			p.roles |= 1 << RoleNear
		case OnHeap:
			p.tiers |= 1 << TierHeap
		case OffHeap:
			p.tiers |= 1 << TierOffHeap
		case Swap:
			p.tiers |= 1 << TierSwap
		default:
			return Predicate{}, errors.Wrapf(ErrInvalidModeCombination, "unknown peek mode %d", uint8(m))
		}
	}
	if p.roles == 0 {
		p.roles = roleMaskAll
	}
	if p.tiers == 0 {
		p.tiers = tierMaskDef
	}
	return p, nil
}

// MustResolve is Resolve for static mode sets; it panics on invalid input.
func MustResolve(modes ...Mode) Predicate {
	p, err := Resolve(modes...)
	if err != nil {
		panic(err)
	}
	return p
}

// Accepts reports whether a copy with role r on tier t matches.
func (p Predicate) Accepts(r Role, t Tier) bool {
	return p.HasRole(r) && p.HasTier(t)
}

// HasRole reports whether r is in the role subset. RoleNone never is.
func (p Predicate) HasRole(r Role) bool {
	return r != RoleNone && p.roles&(1<<r) != 0
}

// HasTier reports whether t is in the tier subset.
func (p Predicate) HasTier(t Tier) bool {
	return t != TierNone && p.tiers&(1<<t) != 0
}

// WithoutNear drops NEAR from the role subset. Used on nodes with no near
// cache; requesting NEAR alone there yields an always-false predicate.
func (p Predicate) WithoutNear() Predicate {
	p.roles &^= 1 << RoleNear
	return p
}

// OwnerRolesOnly reports whether the role subset is limited to owner roles,
// i.e. only partition owners can contribute to a count.
func (p Predicate) OwnerRolesOnly() bool { return !p.HasRole(RoleNear) }

// Never reports whether the predicate can match nothing.
func (p Predicate) Never() bool { return p.roles == 0 || p.tiers == 0 }

func (p Predicate) String() string {
	var parts []string
	for _, r := range []Role{RolePrimary, RoleBackup, RoleNear} {
		if p.HasRole(r) {
			parts = append(parts, r.String())
		}
	}
	roles := strings.Join(parts, "|")
	parts = parts[:0]
	for _, t := range Tiers {
		if p.HasTier(t) {
			parts = append(parts, t.String())
		}
	}
	return "{" + roles + "}x{" + strings.Join(parts, "|") + "}"
}
