package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"hybridcast/internal/filelock"
)

// Store is the persistence abstraction for cached content. Names are request
// paths such as "/alpha/4/5/segment_0001_5.mp4".
type Store interface {
	// Read returns the content stored under name. ok is false when the entry
	// is absent or empty; an empty file is a placeholder, not content.
	Read(ctx context.Context, name string) (data []byte, ok bool, err error)
	// Write stores data under name, replacing any previous content.
	Write(ctx context.Context, name string, data []byte) error
	// Exists reports whether an entry is present, without reading it.
	Exists(name string) bool
	// Path returns where name lives on disk.
	Path(name string) string
}

// DiskStore keeps entries under a root directory shared with the multicast
// receiver. All reads and writes follow the filelock contract.
type DiskStore struct {
	root string
}

// NewDiskStore returns a store rooted at dir.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{root: dir}
}

// Path implements Store.Path. The name is cleaned so it cannot escape root.
func (s *DiskStore) Path(name string) string {
	clean := filepath.Clean("/" + strings.TrimPrefix(filepath.ToSlash(name), "/"))
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

// Read implements Store.Read.
func (s *DiskStore) Read(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := filelock.ReadFile(ctx, s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || isDirErr(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// Write implements Store.Write.
func (s *DiskStore) Write(ctx context.Context, name string, data []byte) error {
	return filelock.WriteFile(ctx, s.Path(name), data)
}

// Exists implements Store.Exists.
func (s *DiskStore) Exists(name string) bool {
	st, err := os.Stat(s.Path(name))
	return err == nil && !st.IsDir()
}

// IsDir reports whether name is a directory in the store.
func (s *DiskStore) IsDir(name string) bool {
	st, err := os.Stat(s.Path(name))
	return err == nil && st.IsDir()
}

// List returns the entry names of directory name.
func (s *DiskStore) List(name string) ([]string, error) {
	entries, err := os.ReadDir(s.Path(name))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func isDirErr(err error) bool {
	return errors.Is(err, syscall.EISDIR)
}
