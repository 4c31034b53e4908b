package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path with size bytes of filler. A size <= 0 writes a
// single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatalf("size %s: %v", path, err)
	}
}

// WriteArtifact creates an artifact file named the way the plotter names its
// output and returns its path.
func WriteArtifact(t testing.TB, dir string, start, count uint64) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("1234567890_%d_%d_%d", start, count, count))
	WriteFile(t, path, 1)
	return path
}
