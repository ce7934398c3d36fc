package relay

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage writes objects below Dir; gin serves Dir at /media.
type LocalStorage struct {
	Dir     string
	BaseURL string
}

// Put writes r to Dir/object atomically and returns BaseURL/media/object.
func (s *LocalStorage) Put(_ context.Context, object string, r io.Reader, _ string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + object))[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", errors.New("invalid object name")
	}
	dst := filepath.Join(s.Dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return strings.TrimRight(s.BaseURL, "/") + "/media/" + clean, nil
}
