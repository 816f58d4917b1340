package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
)

// FileStore keeps archives on the local filesystem as <root>/<workspace>/<classifier>.cache.
// Writes go to a temporary file in the target directory followed by a rename,
// so readers never observe a partial archive.
type FileStore struct {
	root   string
	logger zerolog.Logger
}

// NewFileStore creates a file store rooted at root, creating the directory if needed.
func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{root: root, logger: logger.With().Str("store", "file").Logger()}, nil
}

func (s *FileStore) path(key string) string {
	return ArchivePath(s.root, key)
}

// Store implements ArchiveStore.
func (s *FileStore) Store(ctx context.Context, key, localPath string) (string, error) {
	dest := s.path(key)
	if err := copyAtomic(ctx, localPath, dest); err != nil {
		return "", err
	}
	s.logger.Debug().Str("key", key).Str("path", dest).Msg("Archive stored")
	return dest, nil
}

// Retrieve implements ArchiveStore.
func (s *FileStore) Retrieve(ctx context.Context, key, destPath string) error {
	src := s.path(key)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return goal.NewCacheMiss(key)
		}
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	return copyAtomic(ctx, src, destPath)
}

// Delete implements ArchiveStore.
func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

// Sweep implements Sweeper.
func (s *FileStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(p, archiveSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("failed to remove %s: %w", p, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep cache directory: %w", err)
	}
	return removed, nil
}

// copyAtomic copies src to a temporary file next to dest and renames it into place.
func copyAtomic(ctx context.Context, src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := copyWithContext(ctx, tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}

// copyWithContext copies src to dst, checking for cancellation between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
