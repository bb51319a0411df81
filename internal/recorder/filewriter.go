package recorder

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

const (
	// DefaultExtension is appended to every recording filename.
	DefaultExtension = ".webm"

	dirPerm  = 0o755
	filePerm = 0o644
)

var errHandleClosed = errors.New("file handle closed")

// rootDir is the writable directory new sessions are created under.
// Sessions that are already open keep writing to their original file.
type rootDir struct {
	mu  sync.RWMutex
	dir string
}

func (r *rootDir) get() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir
}

func (r *rootDir) set(dir string) {
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()
}

// ensureDirectory creates a directory if it doesn't exist.
func ensureDirectory(dir string) error {
	if dir == "" {
		return errors.New("root directory is not configured")
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// fileHandle owns one append-only file and the lock that orders writes to it.
// A handle belongs to exactly one session and is never shared.
type fileHandle struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	digest *blake3.Hasher
	closed bool
}

// recordingFilename derives the preferred file name from the session's
// identity. Distinct ids may sanitize to the same name; openHandle resolves
// the collision.
func recordingFilename(name, sessionID string, timestamp int64, ext string) string {
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s_%d%s", sanitizeComponent(name, "recording"), sanitizeComponent(sessionID, "session"), timestamp, ext)
}

// sanitizeComponent keeps a client-supplied string from escaping the root
// directory or producing names the common filesystems reject.
func sanitizeComponent(s, fallback string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		}
		return r
	}, s)
	s = strings.Trim(s, ". ")
	if s == "" {
		return fallback
	}
	return s
}

// maxNameAttempts bounds the numbered variants tried when a recording name
// is already taken.
const maxNameAttempts = 1000

// openHandle creates a new append-only file for a session. An existing file
// is never reopened: when filename is taken, "_1", "_2", ... is inserted
// before the extension. The returned error is already classified.
func openHandle(dir, filename, sessionID string) (*fileHandle, string, error) {
	if err := ensureDirectory(dir); err != nil {
		return nil, "", newError(KindConfig, "open", sessionID, err)
	}

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := filename
		if attempt > 0 {
			name = fmt.Sprintf("%s_%d%s", base, attempt, ext)
		}
		path := filepath.Join(dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", newError(KindIO, "open", sessionID, fmt.Errorf("create file: %w", err))
		}
		return &fileHandle{
			file:   file,
			writer: bufio.NewWriter(file),
			digest: blake3.New(),
		}, path, nil
	}
	return nil, "", newError(KindIO, "open", sessionID, fmt.Errorf("create file: %s: no free name after %d attempts", filename, maxNameAttempts))
}

// append writes p and flushes it to the file. The caller holds h.mu.
func (h *fileHandle) append(p []byte) error {
	if h.closed {
		return errHandleClosed
	}
	// bufio errors are sticky; reset so a later chunk gets a fresh attempt.
	if _, err := h.writer.Write(p); err != nil {
		h.writer.Reset(h.file)
		return fmt.Errorf("disk write failed: %w", err)
	}
	if err := h.writer.Flush(); err != nil {
		h.writer.Reset(h.file)
		return fmt.Errorf("disk flush failed: %w", err)
	}
	_, _ = h.digest.Write(p)
	return nil
}

// close flushes and closes the file. The caller holds h.mu. Closing twice
// is a no-op.
func (h *fileHandle) close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var flushErr error
	if err := h.writer.Flush(); err != nil {
		flushErr = fmt.Errorf("final flush failed: %w", err)
	}
	if err := h.file.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("file close failed: %w", err))
	}
	return flushErr
}

// sum returns the hex digest of everything appended so far.
func (h *fileHandle) sum() string {
	return hex.EncodeToString(h.digest.Sum(nil))
}
