package engine

import (
	"errors"
	"fmt"
	"strings"
)

// DuplicateResourceError indicates two declarations share (kind, name).
type DuplicateResourceError struct {
	Address string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("duplicate resource declaration: %s", e.Address)
}

// UndeclaredReferenceError indicates an attribute references a resource
// that is not present in the declaration set.
type UndeclaredReferenceError struct {
	Address   string // consuming resource
	Reference string // missing target address
}

func (e *UndeclaredReferenceError) Error() string {
	return fmt.Sprintf("resource %s references undeclared resource %s", e.Address, e.Reference)
}

// CyclicDependencyError indicates no valid ordering exists. Members lists
// the resources participating in the cycle.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Members, ", "))
}

// ProviderActionError wraps a single action's remote failure. Re-running
// apply is safe: already-applied actions are recognized via the state store.
type ProviderActionError struct {
	Address string
	Action  string
	Err     error
}

func (e *ProviderActionError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", strings.ToLower(e.Action), e.Address, e.Err)
}

func (e *ProviderActionError) Unwrap() error {
	return e.Err
}

// StateCorruptionError indicates a state entry references a resource the
// provider can no longer describe. It is surfaced, never auto-healed.
type StateCorruptionError struct {
	Address string
	ID      string
	Err     error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state entry %s (id %s) is no longer describable by its provider: %v", e.Address, e.ID, e.Err)
}

func (e *StateCorruptionError) Unwrap() error {
	return e.Err
}

// IsGraphError reports whether err is a pre-execution declaration error
// (duplicate, undeclared reference, or cycle). These are fatal and abort
// before any remote call is made.
func IsGraphError(err error) bool {
	var dup *DuplicateResourceError
	var undeclared *UndeclaredReferenceError
	var cyclic *CyclicDependencyError
	return errors.As(err, &dup) || errors.As(err, &undeclared) || errors.As(err, &cyclic)
}
