// Package artifact stores the large blobs produced by jobs (report CSV
// files and similar). Jobs keep only the returned reference in their
// record; the bytes live here.
package artifact

import "context"

// Store persists generated artifacts. Put returns an opaque reference
// that Get and Delete accept; references are stable across process
// restarts for durable backends.
type Store interface {
	// Put stores data under a backend-chosen reference derived from the
	// suggested name.
	Put(ctx context.Context, suggestedName string, data []byte) (ref string, err error)

	// Get returns the bytes for a reference. Returns
	// conveyor.ErrArtifactNotFound for unknown references.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete removes an artifact. Deleting an unknown reference is a
	// no-op.
	Delete(ctx context.Context, ref string) error
}
