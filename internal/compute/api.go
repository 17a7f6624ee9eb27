// Package compute talks to the cloud provider's instance metadata API and
// maintains the per-instance authorized-identity store inside it.
package compute

import (
	"context"
	"errors"
)

// ErrStaleFingerprint is returned by SetMetadata when the instance metadata
// changed between the read and the write.
var ErrStaleFingerprint = errors.New("metadata fingerprint is stale")

// Coords are the provider-level identifiers of one instance.
type Coords struct {
	Project  string
	Zone     string
	Instance string
}

// Metadata is an instance's full metadata collection together with the
// optimistic-concurrency fingerprint obtained when it was read. Writes carry
// the fingerprint back so concurrent modification is detected rather than
// silently overwritten.
type Metadata struct {
	Fingerprint string
	Items       map[string]string
}

// InstanceAPI is the minimal metadata surface the injector needs. Calls are
// authenticated with the requesting principal's delegated access token.
type InstanceAPI interface {
	GetMetadata(ctx context.Context, c Coords, accessToken string) (*Metadata, error)
	SetMetadata(ctx context.Context, c Coords, md *Metadata, accessToken string) error
}
