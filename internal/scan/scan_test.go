package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScan(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "b.jpg"))
	writeFile(t, filepath.Join(tmp, "a.png"))
	writeFile(t, filepath.Join(tmp, "notes.txt"))
	writeFile(t, filepath.Join(tmp, "sub", "c.jpeg"))
	writeFile(t, filepath.Join(tmp, ".cache", "thumb.jpg"))
	writeFile(t, filepath.Join(tmp, "keep", "sorted.jpg"))

	s := New([]string{filepath.Join(tmp, "keep")}, zerolog.Nop())
	res, err := s.Scan(context.Background(), []string{tmp})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	wantImages := []string{
		filepath.Join(tmp, "a.png"),
		filepath.Join(tmp, "b.jpg"),
		filepath.Join(tmp, "sub", "c.jpeg"),
	}
	if diff := cmp.Diff(wantImages, res.Images); diff != "" {
		t.Errorf("Images mismatch (-want +got):\n%s", diff)
	}

	wantDirs := []string{
		tmp,
		filepath.Join(tmp, "sub"),
	}
	if diff := cmp.Diff(wantDirs, res.Dirs); diff != "" {
		t.Errorf("Dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestScanOverlappingRoots(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "sub", "a.jpg"))

	s := New(nil, zerolog.Nop())
	res, err := s.Scan(context.Background(), []string{tmp, filepath.Join(tmp, "sub")})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Images) != 1 {
		t.Errorf("Images = %v, want one entry", res.Images)
	}
}

func TestScanMissingRoot(t *testing.T) {
	s := New(nil, zerolog.Nop())
	if _, err := s.Scan(context.Background(), []string{filepath.Join(t.TempDir(), "absent")}); err == nil {
		t.Fatal("Scan of missing root succeeded")
	}
}

func TestScanCancelled(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "a.jpg"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(nil, zerolog.Nop())
	if _, err := s.Scan(ctx, []string{tmp}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Scan err = %v, want context.Canceled", err)
	}
}
