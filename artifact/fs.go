package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/storekit/conveyor"
)

// FS is a filesystem-backed Store. References are paths relative to the
// root directory; a timestamp plus sequence component keeps repeated
// runs from clobbering each other's output.
type FS struct {
	root string
	seq  atomic.Int64
}

var _ Store = (*FS)(nil)

// NewFS creates a filesystem store rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FS{root: dir}, nil
}

func (f *FS) Put(_ context.Context, suggestedName string, data []byte) (string, error) {
	name := sanitizeName(suggestedName)
	ref := fmt.Sprintf("%s_%d_%d%s",
		strings.TrimSuffix(name, filepath.Ext(name)),
		time.Now().UTC().UnixMilli(),
		f.seq.Add(1),
		filepath.Ext(name),
	)

	path := filepath.Join(f.root, ref)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", ref, err)
	}
	return ref, nil
}

func (f *FS) Get(_ context.Context, ref string) ([]byte, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, conveyor.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	return data, nil
}

func (f *FS) Delete(_ context.Context, ref string) error {
	path, err := f.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact %s: %w", ref, err)
	}
	return nil
}

// resolve rejects references that escape the root directory.
func (f *FS) resolve(ref string) (string, error) {
	clean := filepath.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	return filepath.Join(f.root, clean), nil
}

func sanitizeName(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "artifact"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
