package cache

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Archive formats.
const (
	FormatTarGz = "tar.gz"
	FormatZip   = "zip"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte("PK\x03\x04")
)

// Archiver bundles project files into a single archive and expands it again.
// It prefers the external tar tool and falls back to in-process codecs.
type Archiver struct {
	// TarPath is the tar binary, defaults to "tar" on PATH.
	TarPath string

	logger zerolog.Logger
}

// NewArchiver creates an archiver using the given tar binary.
func NewArchiver(tarPath string, logger zerolog.Logger) *Archiver {
	if tarPath == "" {
		tarPath = "tar"
	}
	return &Archiver{TarPath: tarPath, logger: logger}
}

// CollectFiles lists the regular files under projectDir selected by pattern,
// as sorted slash-separated relative paths.
func CollectFiles(projectDir string, pattern goal.Pattern) ([]string, error) {
	if err := pattern.Validate(); err != nil {
		return nil, err
	}

	root := projectDir
	var match func(rel string) bool
	if pattern.Directory != "" {
		root = filepath.Join(projectDir, filepath.FromSlash(pattern.Directory))
		match = func(string) bool { return true }
	} else {
		m, err := push.CompileGlobs(pattern.GlobPattern)
		if err != nil {
			return nil, err
		}
		match = m.Match
	}

	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(projectDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect cache files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Create writes the given files, relative to projectDir, into an archive at dest.
// It returns the format that was written.
func (a *Archiver) Create(ctx context.Context, projectDir string, files []string, dest string) (string, error) {
	err := a.createTar(ctx, projectDir, files, dest)
	if err == nil {
		return FormatTarGz, nil
	}
	a.logger.Debug().Err(err).Msg("External tar failed, falling back to zip")

	if err := a.createZip(ctx, projectDir, files, dest); err != nil {
		return "", err
	}
	return FormatZip, nil
}

func (a *Archiver) createTar(ctx context.Context, projectDir string, files []string, dest string) error {
	bin, err := exec.LookPath(a.TarPath)
	if err != nil {
		return fmt.Errorf("tar not available: %w", err)
	}

	list, err := os.CreateTemp("", "goalflow-files-*")
	if err != nil {
		return fmt.Errorf("failed to create file list: %w", err)
	}
	defer os.Remove(list.Name())

	w := bufio.NewWriter(list)
	for _, f := range files {
		// A "./" prefix keeps names starting with '-' from reading as options.
		fmt.Fprintf(w, "./%s\n", f)
	}
	if err := w.Flush(); err != nil {
		list.Close()
		return fmt.Errorf("failed to write file list: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("failed to write file list: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-czf", dest, "-C", projectDir, "-T", list.Name())
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("tar failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (a *Archiver) createZip(ctx context.Context, projectDir string, files []string, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addZipFile(zw, projectDir, rel); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish zip archive: %w", err)
	}
	return out.Close()
}

func addZipFile(zw *zip.Writer, projectDir, rel string) error {
	src := filepath.Join(projectDir, filepath.FromSlash(rel))
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build zip header for %s: %w", rel, err)
	}
	header.Name = rel
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", rel, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", rel, err)
	}
	return nil
}

// Extract expands the archive at src into destDir. The format is detected
// from the archive's leading bytes.
func (a *Archiver) Extract(ctx context.Context, src, destDir string) error {
	format, err := detectFormat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	switch format {
	case FormatZip:
		return extractZip(ctx, src, destDir)
	default:
		err := a.extractTarExternal(ctx, src, destDir)
		if err == nil {
			return nil
		}
		a.logger.Debug().Err(err).Msg("External tar failed, extracting in process")
		return extractTarGz(ctx, src, destDir)
	}
}

func detectFormat(src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGz, nil
	case bytes.HasPrefix(head, zipMagic):
		return FormatZip, nil
	default:
		return "", fmt.Errorf("unrecognized archive format in %s", src)
	}
}

func (a *Archiver) extractTarExternal(ctx context.Context, src, destDir string) error {
	bin, err := exec.LookPath(a.TarPath)
	if err != nil {
		return fmt.Errorf("tar not available: %w", err)
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-xzf", src, "-C", destDir)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tar failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func extractTarGz(ctx context.Context, src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

func extractZip(ctx context.Context, src, destDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", entry.Name, err)
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", entry.Name, err)
		}
		err = writeFile(target, rc, entry.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin resolves name under dir and rejects entries escaping it.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination directory", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return out.Close()
}
