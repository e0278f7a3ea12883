// Package content owns the backing storage containers for FlowFile content.
// Many small FlowFile payloads are appended back-to-back into a shared
// resource claim file; each FlowFile addresses its bytes through a content
// claim (offset + length into the resource claim).
package content

import (
	"errors"
	"io"

	"flowcore/pkg/types"
)

// ErrContentNotFound reports a read of a claim whose backing file no longer
// exists, usually because reclamation destroyed it. Callers treat this
// differently from a transient IO failure.
var ErrContentNotFound = errors.New("content claim not found")

// Repository stores and retrieves the bytes referenced by content claims.
type Repository interface {
	// NewWriter allocates or continues an appendable resource claim and
	// returns a writer for a fresh content claim. The resource claim's
	// writer is single-threaded; the returned writer must be closed before
	// another writer can target the same resource claim.
	NewWriter() (*ClaimWriter, error)

	// Read returns a stream over exactly [Offset, Offset+Length) of the
	// claim. Earlier ranges of an append-only resource are stable, so reads
	// are safe while later appends continue.
	Read(claim types.ContentClaim) (io.ReadCloser, error)

	ContainerNames() []string
	ContainerCapacity(name string) (int64, error)
	ContainerUsableSpace(name string) (int64, error)

	// ActiveResourceClaims lists the resource claims currently backed by
	// files in the container, for diagnostics and orphan detection.
	ActiveResourceClaims(container string) ([]types.ResourceClaim, error)

	// Purge removes all stored content. Only valid at startup when a
	// non-durable mode is configured.
	Purge() error

	Close() error
}

// Observer is notified when a resource claim's backing file is physically
// reclaimed. The metrics layer implements this; implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	ClaimDestroyed(rc types.ResourceClaim)
}

// ReadAll is a convenience for small claims.
func ReadAll(repo Repository, claim types.ContentClaim) ([]byte, error) {
	rc, err := repo.Read(claim)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
