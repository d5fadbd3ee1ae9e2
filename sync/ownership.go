package sync

import "github.com/rvalkov/boardsync/models"

// Verdict is the outcome of one authorization check. When Blocked is true,
// Element carries the previous element unchanged, so callers persist the
// last-known-good state instead of the unauthorized edit.
type Verdict struct {
	Element models.Element
	Blocked bool
}

// Authorize decides whether actor may persist candidate over previous.
//
// A new element (previous == nil) is always accepted and stamped with the
// acting identity. An existing element is writable by its owner, by an
// admin, or by anyone when it carries no owner at all; unowned elements
// predate ownership stamping and stay open to everyone. An admin editing
// someone else's element does not take it over: the original owner metadata
// is preserved.
//
// Enforcement is entirely client-side; the store validates nothing. A
// blocked edit is policy, not an error: the locally visible divergence
// self-heals on the next remote refresh.
func Authorize(candidate models.Element, previous *models.Element, actor models.Identity, isAdmin bool) Verdict {
	if previous == nil {
		return Verdict{Element: stampOwner(candidate, actor)}
	}

	owner := previous.Owner
	if owner == "" || owner == actor.DeviceId {
		return Verdict{Element: stampOwner(candidate, actor)}
	}

	if isAdmin {
		// Accept the edit but keep the original owner's stamp.
		candidate.Owner = previous.Owner
		candidate.OwnerName = previous.OwnerName
		candidate.OwnerColor = previous.OwnerColor
		return Verdict{Element: candidate}
	}

	return Verdict{Element: *previous, Blocked: true}
}

// canMutate is the deletion-side ownership test: same rule as Authorize,
// without producing a replacement element.
func canMutate(previous models.Element, actor models.Identity, isAdmin bool) bool {
	return isAdmin || previous.Owner == "" || previous.Owner == actor.DeviceId
}

func stampOwner(el models.Element, actor models.Identity) models.Element {
	el.Owner = actor.DeviceId
	el.OwnerName = actor.Name
	el.OwnerColor = actor.Color
	return el
}
