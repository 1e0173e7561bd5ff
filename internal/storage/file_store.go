package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore saves blobs to disk under a base directory.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// resolve maps a relative path onto the base directory, refusing escapes.
func (f *FileStore) resolve(p string) (string, error) {
	rel, err := cleanRelative(p)
	if err != nil {
		return "", err
	}
	target := filepath.Join(f.basePath, filepath.FromSlash(rel))
	within, err := filepath.Rel(f.basePath, target)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return target, nil
}

// Write stores data at p, creating parent directories.
func (f *FileStore) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// ReadAll returns every regular file directly under dir, sorted by name.
func (f *FileStore) ReadAll(ctx context.Context, dir string) ([]Blob, error) {
	target, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if errors.Is(err, fs.ErrNotExist) {
		return []Blob{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	blobs := make([]Blob, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(target, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", entry.Name(), err)
		}
		blobs = append(blobs, Blob{Name: entry.Name(), Data: data})
	}
	return blobs, nil
}

// RemoveFile deletes a single blob; a missing file is not an error.
func (f *FileStore) RemoveFile(_ context.Context, p string) error {
	target, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// RemoveDir deletes dir and everything below it.
func (f *FileStore) RemoveDir(_ context.Context, dir string) error {
	target, err := f.resolve(dir)
	if err != nil {
		return err
	}
	if target == f.basePath {
		return ErrPathEscape
	}
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(target)
}
