package media

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ErrTooLarge is returned when an upload exceeds MaxBytes.
var ErrTooLarge = errors.New("upload too large")

// Upload describes a stored file.
type Upload struct {
	Name   string `json:"filename"`
	Path   string `json:"file_path"`
	Size   int64  `json:"size"`
	Digest string `json:"blake3"`
}

// Uploads writes caller supplied files under Dir.
type Uploads struct {
	Dir string
	// MaxBytes rejects larger files. Zero means unlimited.
	MaxBytes int64

	now func() time.Time
}

// NewUploads creates dir if needed.
func NewUploads(dir string, maxBytes int64) (*Uploads, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Uploads{Dir: abs, MaxBytes: maxBytes, now: time.Now}, nil
}

// Save streams r into a uniquely named file and returns its size and digest.
// The partial file is removed on failure.
func (u *Uploads) Save(name string, r io.Reader) (Upload, error) {
	clean := SanitizeName(name)
	stored := fmt.Sprintf("%s_%s_%s", u.now().UTC().Format("20060102_150405"), uuid.NewString()[:8], clean)
	dst := filepath.Join(u.Dir, stored)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, fmt.Errorf("create upload: %w", err)
	}

	src := r
	if u.MaxBytes > 0 {
		src = io.LimitReader(r, u.MaxBytes+1)
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, h), src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && u.MaxBytes > 0 && n > u.MaxBytes {
		err = fmt.Errorf("%w: file exceeds %d bytes", ErrTooLarge, u.MaxBytes)
	}
	if err != nil {
		_ = os.Remove(dst)
		return Upload{}, fmt.Errorf("write upload: %w", err)
	}

	return Upload{
		Name:   stored,
		Path:   dst,
		Size:   n,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// SanitizeName strips directories and anything outside [A-Za-z0-9._-].
func SanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeName.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, ".")
	if base == "" || base == "_" {
		return "upload"
	}
	return base
}
