package cache

import (
	"context"
	"time"
)

// ArchiveStore keeps one archive per namespaced classifier.
// Keys passed to a store are already sanitized and namespaced ("workspace/classifier").
type ArchiveStore interface {
	// Store copies the archive at localPath under key and returns a handle
	// describing where it was written.
	Store(ctx context.Context, key, localPath string) (string, error)

	// Retrieve copies the archive stored under key to destPath.
	// It returns a CacheMiss error when nothing is stored under key.
	Retrieve(ctx context.Context, key, destPath string) error

	// Delete removes the archive stored under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by stores that can drop archives by age.
type Sweeper interface {
	// Sweep deletes archives last written before cutoff and returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

const archiveSuffix = ".cache"
