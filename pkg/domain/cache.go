package domain

import "time"

// Cache lookup results as recorded on instances and in metrics.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// CacheEntry is an advisory record that a target environment has already
// been provisioned for a toolchain. Entries only ever skip redundant work;
// a lost or stale entry is never an error.
type CacheEntry struct {
	Key       string    `json:"key"`
	OS        string    `json:"os"`
	Toolchain string    `json:"toolchain,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheKeyFor derives the cache key for a job on one target environment:
// the OS identifier, prefixed with the job's cache namespace when set.
// Jobs without a namespace share a key per target.
func CacheKeyFor(namespace, osID string) string {
	if namespace == "" {
		return osID
	}
	return namespace + "-" + osID
}
