// Package storage provides blob stores for message attachments.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrPathEscape is returned for paths that would resolve outside the store root.
var ErrPathEscape = errors.New("path escapes storage root")

// Blob is one stored object.
type Blob struct {
	Name string
	Data []byte
}

// BlobStore persists attachment bytes. Implementations guarantee that no
// write can land outside their configured root.
type BlobStore interface {
	Write(ctx context.Context, p string, data []byte) error
	ReadAll(ctx context.Context, dir string) ([]Blob, error)
	RemoveFile(ctx context.Context, p string) error
	RemoveDir(ctx context.Context, dir string) error
}

// cleanRelative normalizes p to a slash-separated path relative to the root.
func cleanRelative(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "", ErrPathEscape
	}
	if strings.HasPrefix(p, "/") {
		return "", ErrPathEscape
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathEscape
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", ErrPathEscape
	}
	return cleaned, nil
}
