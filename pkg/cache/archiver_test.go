package cache

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
)

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt":                "a",
		"sub/b.txt":            "b",
		"sub/c.go":             "c",
		"node_modules/x/i.js":  "x",
		"node_modules/y/j.txt": "y",
	})

	tests := []struct {
		name    string
		pattern goal.Pattern
		want    []string
	}{
		{
			name:    "recursive glob",
			pattern: goal.Pattern{GlobPattern: []string{"**/*.txt"}},
			want:    []string{"a.txt", "node_modules/y/j.txt", "sub/b.txt"},
		},
		{
			name:    "root glob",
			pattern: goal.Pattern{GlobPattern: []string{"*.txt"}},
			want:    []string{"a.txt"},
		},
		{
			name:    "several globs",
			pattern: goal.Pattern{GlobPattern: []string{"sub/*.go", "./a.txt"}},
			want:    []string{"a.txt", "sub/c.go"},
		},
		{
			name:    "directory",
			pattern: goal.Pattern{Directory: "node_modules"},
			want:    []string{"node_modules/x/i.js", "node_modules/y/j.txt"},
		},
		{
			name:    "missing directory",
			pattern: goal.Pattern{Directory: "vendor"},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CollectFiles(dir, tt.pattern)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CollectFiles mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := CollectFiles(dir, goal.Pattern{}); err == nil {
		t.Error("Expected error for an empty pattern")
	}

	outside := filepath.Join(filepath.Dir(dir), "secret")
	writeFiles(t, outside, map[string]string{"key": "k"})
	for _, escaping := range []goal.Pattern{
		{Directory: "../secret"},
		{Directory: "sub/../../secret"},
		{Directory: outside},
		{GlobPattern: []string{"../secret/*"}},
	} {
		files, err := CollectFiles(dir, escaping)
		if err == nil {
			t.Errorf("Expected error for %+v, got files: %v", escaping, files)
		}
	}
}

func TestArchiver_ZipFallback(t *testing.T) {
	ctx := context.Background()
	a := NewArchiver(filepath.Join(t.TempDir(), "no-such-tar"), zerolog.Nop())

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "alpha", "dir/b.txt": "beta"})

	archive := filepath.Join(t.TempDir(), "out")
	format, err := a.Create(ctx, src, []string{"a.txt", "dir/b.txt"}, archive)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if format != FormatZip {
		t.Errorf("Expected zip format without tar, got: %s", format)
	}

	dest := t.TempDir()
	if err := a.Extract(ctx, archive, dest); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := readFile(t, dest, "dir/b.txt"); got != "beta" {
		t.Errorf("Expected beta, got: %q", got)
	}
}

func TestArchiver_InProcessTarGz(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "in.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	for name, content := range map[string]string{"./a.txt": "alpha", "./dir/b.txt": "beta"} {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("Failed to write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write content: %v", err)
		}
	}
	tw.Close()
	zw.Close()
	f.Close()

	// Without a tar binary the archive is expanded in process.
	a := NewArchiver(filepath.Join(t.TempDir(), "no-such-tar"), zerolog.Nop())
	dest := t.TempDir()
	if err := a.Extract(context.Background(), archive, dest); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := readFile(t, dest, "dir/b.txt"); got != "beta" {
		t.Errorf("Expected beta, got: %q", got)
	}
}

func TestArchiver_RejectsEscapingEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escaped.txt")
	if err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	w.Write([]byte("nope"))
	zw.Close()
	f.Close()

	parent := t.TempDir()
	dest := filepath.Join(parent, "checkout")
	err = NewArchiver("", zerolog.Nop()).Extract(context.Background(), archive, dest)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("Expected escaping entry to be rejected, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped.txt")); !os.IsNotExist(err) {
		t.Error("Expected nothing written outside the destination")
	}
}

func TestArchiver_UnknownFormat(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(archive, []byte("not an archive"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := NewArchiver("", zerolog.Nop()).Extract(context.Background(), archive, t.TempDir()); err == nil {
		t.Error("Expected error for an unrecognized archive")
	}
}
