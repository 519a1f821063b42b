package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// LocalStore keeps objects as files under a root directory
type LocalStore struct {
	root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a store rooted at dir
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("local store requires a directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dir, err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Location() string { return s.root }

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	tmp, err := s.writeTemp(key, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent links a fully written temp file into place; link fails
// atomically when the target exists.
func (s *LocalStore) PutIfAbsent(_ context.Context, key string, data []byte) error {
	tmp, err := s.writeTemp(key, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.path(key)); err != nil {
		if stderrors.Is(err, fs.ErrExist) {
			return ErrExist
		}
		return fmt.Errorf("link into %q: %w", key, err)
	}
	return nil
}

func (s *LocalStore) writeTemp(key string, data []byte) (string, error) {
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("create directory for %q: %w", key, err)
	}

	tmp := filepath.Join(filepath.Dir(target), fmt.Sprintf(".%s.%s.tmp", filepath.Base(target), uuid.NewString()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create temp file for %q: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write %q: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %q: %w", key, err)
	}
	return tmp, nil
}

func (s *LocalStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	fi, err := os.Stat(s.path(key))
	if stderrors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, ErrNotExist
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	if fi.IsDir() {
		return ObjectInfo{}, ErrNotExist
	}
	return ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}, nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		if err := os.RemoveAll(s.root); err != nil {
			return fmt.Errorf("remove %q: %w", s.root, err)
		}
		return nil
	}
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := os.Remove(s.path(obj.Key)); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *LocalStore) Close() error { return nil }
