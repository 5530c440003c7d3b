// Package blob implements the Blob Store Adapter (spec C2): reading
// previously-uploaded document bytes by opaque reference. Grounded on the
// teacher's internal/objectstore.S3Store, narrowed to the single Fetch
// operation the ingestion coordinator needs — upload/listing/versioning
// are the transport layer's concern, out of scope here.
package blob

import (
	"context"
)

// Store fetches document bytes by blob reference.
type Store interface {
	// Fetch returns the full content addressed by ref, erroring with
	// docerr.NotFound if it doesn't exist and docerr.TransientUpstream on a
	// retriable backend failure.
	Fetch(ctx context.Context, ref string) ([]byte, error)
}
