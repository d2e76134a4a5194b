// Package blob archives uploaded input files on local disk.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("invalid blob key")

type LocalFS struct {
	Root string
}

// InputKey is where a job's uploaded file is archived.
func InputKey(jobID string) string {
	return path.Join("jobs", jobID, "input.csv")
}

func (l LocalFS) resolve(key string) (string, string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.ToSlash(clean), filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Put(key string, r io.Reader) (string, error) {
	clean, abs, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return clean, nil
}

func (l LocalFS) Open(key string) (*os.File, error) {
	_, abs, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// Delete removes a stored object. A missing object is not an error.
func (l LocalFS) Delete(key string) error {
	_, abs, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l LocalFS) Exists(key string) bool {
	_, abs, err := l.resolve(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}
