// Package scene defines the contract between the sync core and the local
// drawing surface. The canvas is an external collaborator: the core only
// observes its change notifications and pushes merged state back through
// ApplyUpdate.
package scene

import "github.com/rvalkov/boardsync/models"

type ChangeSource int

const (
	// SourceUser marks a genuine local edit.
	SourceUser ChangeSource = iota
	// SourceProgrammatic marks an echo of the core's own ApplyUpdate. The
	// core must never treat these as user edits.
	SourceProgrammatic
)

type ChangeInfo struct {
	Source ChangeSource
}

type ChangeHandler func(elements []models.Element, view models.ViewState, info ChangeInfo)

// Update is an imperative overwrite pushed into the scene. Nil fields leave
// that part of the scene untouched.
type Update struct {
	Elements  []models.Element
	ViewState *models.ViewState
	Assets    map[string]models.Asset
}

type Scene interface {
	CurrentElements() []models.Element
	ViewState() models.ViewState
	Assets() map[string]models.Asset

	// OnChange registers a handler fired on every scene mutation. The
	// returned func removes the registration.
	OnChange(ChangeHandler) (remove func())

	ApplyUpdate(Update)
}
