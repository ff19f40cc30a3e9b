package fileops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Moved records one completed relocation, for undo bookkeeping.
type Moved struct {
	From string
	To   string
}

// Move relocates src into destDir under its current name. See MoveAs.
func Move(src, destDir string) (string, error) {
	return MoveAs(src, destDir, filepath.Base(src))
}

// MoveAs relocates src into destDir under the preferred name, creating
// the directory as needed. Name conflicts get a numeric suffix rather
// than overwriting. Falls back to copy+remove when rename fails across
// filesystems. Returns the final destination path.
func MoveAs(src, destDir, name string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	dest := UniqueDest(destDir, name)
	if err := os.Rename(src, dest); err != nil {
		// Rename never works across filesystems; retry as copy+remove
		// when the source is still intact.
		if _, statErr := os.Lstat(src); statErr != nil {
			return "", fmt.Errorf("move %s: %w", src, err)
		}
		if copyErr := copyFile(src, dest); copyErr != nil {
			os.Remove(dest)
			return "", fmt.Errorf("move %s: %w", src, copyErr)
		}
		if err := os.Remove(src); err != nil {
			return "", fmt.Errorf("move %s: remove source: %w", src, err)
		}
	}
	return dest, nil
}

// UniqueDest returns dir/name, or a numbered variant like "name.1.jpg"
// when the plain path is already taken.
func UniqueDest(dir, name string) string {
	dest := filepath.Join(dir, name)
	if _, err := os.Lstat(dest); err != nil {
		return dest
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, i, ext))
		if _, err := os.Lstat(dest); err != nil {
			return dest
		}
	}
}

// Sidecars returns files beside src sharing its basename stem, such as
// raw or xmp companions that should travel with the image.
func Sidecars(src string) ([]string, error) {
	dir := filepath.Dir(src)
	base := filepath.Base(src)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if name == base {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out, nil
}

// RemoveDirIfEmpty removes dir when it exists and holds no entries.
func RemoveDirIfEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
