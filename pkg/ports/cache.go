package ports

import (
	"context"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Cache is the advisory provisioning cache shared by job instances. It is
// the only resource instances share: distinct keys never contend, and
// same-key writes resolve last-write-wins. A probe miss or error never
// fails a run; callers degrade to doing the work.
type Cache interface {
	// Probe looks up an entry. The second return value reports whether the
	// entry exists; errors indicate the cache itself was unreachable.
	Probe(ctx context.Context, key string) (*domain.CacheEntry, bool, error)

	// Save stores an entry, overwriting any previous one for the key.
	Save(ctx context.Context, entry *domain.CacheEntry) error
}
