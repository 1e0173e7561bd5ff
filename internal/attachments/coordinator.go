// Package attachments stores message files as one unit per message.
package attachments

import (
	"context"
	"fmt"
	"math"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
	"chat-realtime/internal/storage"
)

const (
	DefaultMaxFileBytes  int64 = 10 << 20
	DefaultMaxTotalBytes int64 = 50 << 20
	DefaultMaxFiles            = 10
)

// Limits bounds a single message's attachments.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
	MaxFiles      int
}

// DefaultLimits returns 10 MiB per file, 50 MiB per message and 10 files.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:  DefaultMaxFileBytes,
		MaxTotalBytes: DefaultMaxTotalBytes,
		MaxFiles:      DefaultMaxFiles,
	}
}

// Stored describes one written attachment.
type Stored struct {
	Name string
	Size int64
}

// Coordinator writes, reads back and removes the attachments of a message.
type Coordinator struct {
	store  storage.BlobStore
	limits Limits
	now    func() time.Time
}

func NewCoordinator(store storage.BlobStore, limits Limits) *Coordinator {
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = DefaultMaxFileBytes
	}
	if limits.MaxTotalBytes <= 0 {
		limits.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultMaxFiles
	}
	return &Coordinator{store: store, limits: limits, now: time.Now}
}

// Dir is the storage directory of a message.
func Dir(messageID int) string {
	return path.Join("messages", strconv.Itoa(messageID))
}

// Store writes files under Dir(messageID) in order. The count limit is checked
// before anything is written; size limits are checked per file as writing
// proceeds. On error the caller owns cleanup via RemoveAll.
func (c *Coordinator) Store(ctx context.Context, messageID int, files []models.DecodedFile) ([]Stored, error) {
	if len(files) > c.limits.MaxFiles {
		return nil, apperr.Capacity(fmt.Sprintf("too many files: %d exceeds the limit of %d", len(files), c.limits.MaxFiles))
	}

	dir := Dir(messageID)
	stamp := c.now().UnixMilli()
	stored := make([]Stored, 0, len(files))
	var total int64
	for i, f := range files {
		size := int64(len(f.Data))
		if size > c.limits.MaxFileBytes {
			return stored, apperr.Capacity(fmt.Sprintf("file %s exceeds the per-file limit of %d bytes", f.Name, c.limits.MaxFileBytes))
		}
		total += size
		if total > c.limits.MaxTotalBytes {
			return stored, apperr.Capacity(fmt.Sprintf("attachments exceed the total limit of %d bytes", c.limits.MaxTotalBytes))
		}

		name := StoredName(f.Name, stamp, i)
		if err := c.store.Write(ctx, path.Join(dir, name), f.Data); err != nil {
			return stored, apperr.From(err, apperr.KindStorage, "failed to store attachment")
		}
		stored = append(stored, Stored{Name: name, Size: size})
	}
	return stored, nil
}

// ReadBack returns the attachments of a message exactly as stored, in
// submission order.
func (c *Coordinator) ReadBack(ctx context.Context, messageID int) ([]models.Attachment, error) {
	blobs, err := c.store.ReadAll(ctx, Dir(messageID))
	if err != nil {
		return nil, apperr.From(err, apperr.KindStorage, "failed to read attachments")
	}
	sort.SliceStable(blobs, func(i, j int) bool {
		return storedIndex(blobs[i].Name) < storedIndex(blobs[j].Name)
	})
	out := make([]models.Attachment, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, models.Attachment{Name: b.Name, Data: b.Data, Size: int64(len(b.Data))})
	}
	return out, nil
}

// storedIndex recovers the submission index written by StoredName. Names
// that do not carry one sort last.
func storedIndex(stored string) int {
	rest := strings.TrimSuffix(stored, filepath.Ext(stored))
	i := strings.LastIndexByte(rest, '_')
	if i < 0 {
		return math.MaxInt
	}
	n, err := strconv.Atoi(rest[i+1:])
	if err != nil || n < 0 {
		return math.MaxInt
	}
	return n
}

// RemoveAll deletes the message directory; a missing directory is not an error.
func (c *Coordinator) RemoveAll(ctx context.Context, messageID int) error {
	if err := c.store.RemoveDir(ctx, Dir(messageID)); err != nil {
		return apperr.From(err, apperr.KindStorage, "failed to remove attachments")
	}
	return nil
}

// StoredName builds <base>_<unixmillis>_<index><ext> from an uploaded name.
func StoredName(original string, unixMillis int64, index int) string {
	name := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := filepath.Ext(name)
	base := strings.Trim(sanitize(strings.TrimSuffix(name, ext)), ".")
	if base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s_%d_%d%s", base, unixMillis, index, sanitize(ext))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
