// Package uploads stores shared files and user avatars on local disk and
// serves them under /uploads/. Avatars get a 50x50 JPEG thumbnail that is
// broadcast with chat events.
package uploads

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // decoders registered for avatar uploads
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/onnwee/huddle/chat"
)

// ThumbnailSize is the edge length of avatar thumbnails in pixels.
const ThumbnailSize = 50

// URLPrefix is the public path files are served under.
const URLPrefix = "/uploads/"

const avatarDir = "avatars"

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = fmt.Errorf("%w: file exceeds upload limit", chat.ErrValidation)
	// ErrNotImage is returned when an avatar cannot be decoded.
	ErrNotImage = fmt.Errorf("%w: avatar must be a PNG, JPEG, GIF or WebP image", chat.ErrValidation)
)

// Store writes uploads below Dir.
type Store struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

// NewStore creates dir (and its avatar subdirectory) and returns a store
// that rejects files larger than maxBytes.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, avatarDir), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir upload dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Store{dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

// Dir is the root directory on disk.
func (s *Store) Dir() string { return s.dir }

// MaxBytes is the per-file limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// SaveFile copies r to a timestamped file and returns its descriptor.
func (s *Store) SaveFile(originalName string, r io.Reader) (chat.FileDescriptor, error) {
	orig := cleanName(originalName)
	name := fmt.Sprintf("%d-%s", s.now().UnixMilli(), orig)
	if err := s.write(name, r); err != nil {
		return chat.FileDescriptor{}, err
	}
	return chat.FileDescriptor{Name: name, OriginalName: orig, Path: URLPrefix + name}, nil
}

// SaveAvatar stores an avatar image for userID and a square thumbnail. It
// returns the public paths of both.
func (s *Store) SaveAvatar(userID, originalName string, r io.Reader) (avatar, thumbnail string, err error) {
	raw, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("read avatar: %w", err)
	}
	if int64(len(raw)) > s.maxBytes {
		return "", "", ErrTooLarge
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", "", ErrNotImage
	}

	stamp := s.now().UnixMilli()
	ext := strings.ToLower(filepath.Ext(cleanName(originalName)))
	base := fmt.Sprintf("avatar-%s-%d", cleanName(userID), stamp)
	avatarName := path.Join(avatarDir, base+ext)
	thumbName := path.Join(avatarDir, "thumb_"+base+".jpg")

	if err := s.write(avatarName, bytes.NewReader(raw)); err != nil {
		return "", "", err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Thumbnail(img, ThumbnailSize), &jpeg.Options{Quality: 85}); err != nil {
		return "", "", fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := s.write(thumbName, &buf); err != nil {
		return "", "", err
	}
	return URLPrefix + avatarName, URLPrefix + thumbName, nil
}

// Remove deletes a stored file. Missing files are ignored.
func (s *Store) Remove(fd chat.FileDescriptor) error {
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(fd.Path, URLPrefix))))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}

// Thumbnail center-crops src to a square and scales it to size x size.
func Thumbnail(src image.Image, size int) image.Image {
	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	crop := image.Rect(0, 0, side, side).Add(image.Pt(b.Min.X+(b.Dx()-side)/2, b.Min.Y+(b.Dy()-side)/2))
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst
}

// Handler serves stored files. Mount it at URLPrefix.
func (s *Store) Handler() http.Handler {
	fs := http.FileServer(noListing{http.Dir(s.dir)})
	return http.StripPrefix(strings.TrimSuffix(URLPrefix, "/"), fs)
}

func (s *Store) write(name string, r io.Reader) error {
	dst := filepath.Join(s.dir, filepath.FromSlash(name))
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil {
			slog.Warn("failed to remove partial upload", slog.String("path", dst), slog.Any("err", rmErr), slog.String("component", "uploads"))
		}
		if errors.Is(err, ErrTooLarge) {
			return err
		}
		return fmt.Errorf("write upload: %w", err)
	}
	return nil
}

// cleanName keeps the base name and replaces characters unsafe in paths.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "file"
	}
	return name
}

// noListing hides directory indexes.
type noListing struct{ fs http.FileSystem }

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
