// Package directory resolves opaque resource identifiers to the coordinates
// needed to open a session against a remote instance.
package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("resource not found")

// Handle identifies a remote compute target. Addr may be empty when the
// instance has no reachable address, in which case no session can be opened.
// Exactly one of OwnerPrincipalID / OwnerOrgID is set.
type Handle struct {
	ID               string
	Addr             string
	Project          string
	Zone             string
	Instance         string
	OwnerPrincipalID string
	OwnerOrgID       string
}

type Directory interface {
	Lookup(ctx context.Context, resourceID string) (Handle, error)
	// Authorized reports whether the principal may open sessions against the
	// handle: it must own the resource directly or belong to the owning org.
	Authorized(ctx context.Context, h Handle, principalID string) (bool, error)
}
