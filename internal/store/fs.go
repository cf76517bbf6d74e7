package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FS reads message bodies from a spool directory of <id>.eml files.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("store: spool directory not set")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store: %s is not a directory", root)
	}

	return &FS{root: root}, nil
}

func (s *FS) Open(_ context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, id+".eml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSuchMessage
		}
		return nil, err
	}
	return f, nil
}
