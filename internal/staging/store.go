package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StagedFile is an uploaded file resident on local disk before remote transfer.
type StagedFile struct {
	ID        string // unique token embedded in the on-disk name
	Path      string
	Name      string // original (declared) filename
	MIMEType  string
	Size      int64
	RequestID string
	StagedAt  time.Time
}

// Ext returns the lowercase extension of the declared name without the dot.
func (sf *StagedFile) Ext() string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(sf.Name)), ".")
}

// StagingError reports a local disk failure while staging or releasing.
type StagingError struct {
	Op   string
	Name string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

func (e *StagingError) PublicReason() string {
	return "file could not be stored for processing"
}

// Store keeps uploaded bytes between HTTP ingestion and remote transfer.
type Store struct {
	basePath string // e.g., "./data/staging"
	logger   *zap.Logger
	now      func() time.Time
}

func NewStore(basePath string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{basePath: basePath, logger: logger, now: time.Now}
}

// Dir returns the staging directory.
func (s *Store) Dir() string {
	return s.basePath
}

// Stage writes r to a uniquely named file. On any failure no partial file is
// left behind.
func (s *Store) Stage(ctx context.Context, r io.Reader, declaredName, declaredMIME, requestID string) (*StagedFile, error) {
	// Create directory lazily; MkdirAll is a no-op when it exists
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return nil, &StagingError{Op: "mkdir", Name: declaredName, Err: err}
	}

	id := fmt.Sprintf("%d-%s", s.now().UnixNano(), uuid.New().String()[:8])
	path := filepath.Join(s.basePath, id+"-"+SanitizeName(declaredName))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, &StagingError{Op: "create", Name: declaredName, Err: err}
	}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove partial staged file", zap.String("file", declaredName), zap.Error(rmErr))
		}
		return nil, &StagingError{Op: "write", Name: declaredName, Err: err}
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	return &StagedFile{
		ID:        id,
		Path:      path,
		Name:      declaredName,
		MIMEType:  declaredMIME,
		Size:      n,
		RequestID: requestID,
		StagedAt:  s.now(),
	}, nil
}

// Release deletes the staged file. Releasing an already deleted file is not an
// error because several cleanup paths may race on the same file.
func (s *Store) Release(sf *StagedFile) error {
	if sf == nil {
		return nil
	}
	err := os.Remove(sf.Path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &StagingError{Op: "release", Name: sf.Name, Err: err}
}

// Sniff detects the content type from the first 512 bytes of the staged file.
func (s *Store) Sniff(sf *StagedFile) (string, error) {
	f, err := os.Open(sf.Path)
	if err != nil {
		return "", &StagingError{Op: "open", Name: sf.Name, Err: err}
	}
	defer f.Close()

	buffer := make([]byte, 512)
	n, err := io.ReadFull(f, buffer)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", &StagingError{Op: "sniff", Name: sf.Name, Err: err}
	}
	return http.DetectContentType(buffer[:n]), nil
}

// Sweep removes staged files older than maxAge. It picks up files left behind
// by a crashed process.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		err = os.Remove(filepath.Join(s.basePath, entry.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("sweep: failed to remove staged file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("sweep removed stale staged files", zap.Int("count", removed))
	}
	return removed, nil
}

// SanitizeName reduces a client supplied filename to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 100 {
		ext := filepath.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = out[:100-len(ext)] + ext
	}
	if out == "" {
		return "upload"
	}
	return out
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
