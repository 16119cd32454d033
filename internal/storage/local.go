// Package storage manages the on-disk data layout under DATA_PATH:
// uploads/ for user-submitted source files and podcasts/ for audio
// artifacts kept locally. Episode audio may instead live in object
// storage; consumers branch on the URL scheme prefix.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// copyBufferSize caps memory per upload copy.
const copyBufferSize = 8 * 1024

// ObjectURLPrefix marks an audio file stored in object storage rather
// than on the local disk.
const ObjectURLPrefix = "s3://"

// IsObjectURL reports whether path points at object storage.
func IsObjectURL(path string) bool {
	return strings.HasPrefix(path, ObjectURLPrefix)
}

// EpisodeAudioKey is the object-storage key convention for episode audio.
func EpisodeAudioKey(userID, episodeID, filename string) string {
	return "episodes/" + userID + "/" + episodeID + "/" + filename
}

// Local is the filesystem storage rooted at DATA_PATH.
type Local struct {
	root string
}

// NewLocal creates the storage layout under root.
func NewLocal(root string) (*Local, error) {
	l := &Local{root: root}
	for _, dir := range []string{l.UploadsDir(), l.PodcastsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return l, nil
}

// UploadsDir is the root for user-uploaded source files.
func (l *Local) UploadsDir() string { return filepath.Join(l.root, "uploads") }

// PodcastsDir is the root for locally-stored audio artifacts.
func (l *Local) PodcastsDir() string { return filepath.Join(l.root, "podcasts") }

// SaveUpload streams r into the uploads directory under name and returns
// the absolute path written. A name that already exists gets the
// smallest " (N)" suffix, N counting from 1, so concurrent uploads of
// report.pdf land as report.pdf, report (1).pdf, report (2).pdf.
func (l *Local) SaveUpload(name string, r io.Reader) (string, error) {
	name = sanitizeFilename(name)
	path, err := l.reserveUploadPath(name)
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("open upload %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(f, r, buf); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("upload stored")
	return path, nil
}

// reserveUploadPath finds the first non-colliding candidate and creates
// it exclusively, so two concurrent uploads never claim the same name.
func (l *Local) reserveUploadPath(name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(l.UploadsDir(), candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("reserve upload %s: %w", path, err)
		}
	}
}

// DeleteUpload unlinks a previously-saved upload. Paths outside the
// uploads directory are refused.
func (l *Local) DeleteUpload(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(l.UploadsDir())
	if err != nil {
		return err
	}
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside the uploads directory", path)
	}
	return os.Remove(abs)
}

// SaveEpisodeAudio writes episode audio under the podcasts root using
// the same episodes/<user>/<episode>/<filename> layout as the object
// store, and returns the local path.
func (l *Local) SaveEpisodeAudio(userID, episodeID, filename string, data []byte) (string, error) {
	key := EpisodeAudioKey(userID, episodeID, sanitizeFilename(filename))
	path := filepath.Join(l.PodcastsDir(), filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create episode dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write episode audio: %w", err)
	}
	return path, nil
}

// sanitizeFilename strips any directory components a client smuggled
// into the filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "upload"
	}
	return name
}
