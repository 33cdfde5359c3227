// Package gateway moves staged files to the remote asset store and derives
// secondary assets from them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
)

// Gateway is the remote object/media store.
type Gateway interface {
	// Upload transfers the staged file. The staged file is never modified or
	// removed; the caller owns staging cleanup.
	Upload(ctx context.Context, req UploadRequest) (*media.RemoteAsset, error)
	// DeriveThumbnail returns a poster URL for a video asset. Failures are
	// best-effort and reported as *ThumbnailError.
	DeriveThumbnail(ctx context.Context, asset *media.RemoteAsset) (string, error)
	// Delete removes an asset. Deleting an unknown identifier is not an error.
	Delete(ctx context.Context, publicID string, kind media.Kind) error
}

type UploadRequest struct {
	File     *staging.StagedFile
	Folder   string
	PublicID string // without folder
	Kind     media.Kind
	Tags     []string
}

// FullID is the identifier the remote store reports for the uploaded asset.
func (r UploadRequest) FullID() string {
	if r.Folder == "" {
		return r.PublicID
	}
	return r.Folder + "/" + r.PublicID
}

var (
	ErrUnsupportedKind    = errors.New("unsupported file type")
	ErrMissingCredentials = errors.New("remote store credentials are not configured")
)

var (
	imageExts = map[string]struct{}{"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {}, "svg": {}}
	videoExts = map[string]struct{}{"mp4": {}, "mov": {}, "avi": {}, "webm": {}, "mkv": {}}

	imageMIMEs = map[string]struct{}{
		"image/jpeg": {}, "image/png": {}, "image/gif": {}, "image/webp": {}, "image/svg+xml": {},
	}
	videoMIMEs = map[string]struct{}{
		"video/mp4": {}, "video/quicktime": {}, "video/x-msvideo": {}, "video/avi": {},
		"video/webm": {}, "video/x-matroska": {},
	}
)

// Classify decides the resource kind from the file extension. The declared
// MIME type is only consulted when the name has no extension.
func Classify(filename, mimeType string) (media.Kind, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext != "" {
		if _, ok := imageExts[ext]; ok {
			return media.KindImage, nil
		}
		if _, ok := videoExts[ext]; ok {
			return media.KindVideo, nil
		}
		return "", fmt.Errorf("%w: .%s", ErrUnsupportedKind, ext)
	}

	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: no extension and unreadable content type", ErrUnsupportedKind)
	}
	if _, ok := imageMIMEs[base]; ok {
		return media.KindImage, nil
	}
	if _, ok := videoMIMEs[base]; ok {
		return media.KindVideo, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedKind, base)
}

// PublicIDFor derives the remote identifier (without folder) for a staged file
// from its sanitized name stem and the unique staging token.
func PublicIDFor(sf *staging.StagedFile) string {
	name := staging.SanitizeName(sf.Name)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if stem == "" {
		stem = "upload"
	}
	token := sf.ID
	if i := strings.LastIndex(token, "-"); i >= 0 {
		token = token[i+1:]
	}
	if token == "" {
		return stem
	}
	return stem + "-" + token
}

// Cause classifies an upload failure.
type Cause string

const (
	CauseNetwork     Cause = "network"
	CauseAuth        Cause = "auth"
	CauseQuota       Cause = "quota"
	CauseFormat      Cause = "format"
	CauseTimeout     Cause = "timeout"
	CauseConflict    Cause = "conflict"
	CauseUnavailable Cause = "unavailable"
)

// UploadError is a failed remote transfer.
type UploadError struct {
	Cause Cause
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("remote upload (%s): %v", e.Cause, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) PublicReason() string {
	switch e.Cause {
	case CauseTimeout:
		return "remote store timed out"
	case CauseFormat:
		return "file format rejected by remote store"
	case CauseQuota:
		return "remote storage quota exceeded"
	case CauseConflict:
		return "duplicate media identifier"
	case CauseUnavailable:
		return "remote store unavailable"
	default:
		return "remote upload failed"
	}
}

// ThumbnailError is a failed best-effort derivation. It never fails the parent upload.
type ThumbnailError struct {
	PublicID string
	Err      error
}

func (e *ThumbnailError) Error() string {
	return fmt.Sprintf("derive thumbnail for %s: %v", e.PublicID, e.Err)
}

func (e *ThumbnailError) Unwrap() error { return e.Err }

// classifyMessage maps a remote store error message to a cause.
func classifyMessage(msg string) Cause {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "already exists"):
		return CauseConflict
	case strings.Contains(m, "api key"), strings.Contains(m, "signature"),
		strings.Contains(m, "unauthorized"), strings.Contains(m, "credentials"):
		return CauseAuth
	case strings.Contains(m, "quota"), strings.Contains(m, "rate limit"), strings.Contains(m, "limit exceeded"):
		return CauseQuota
	case strings.Contains(m, "invalid"), strings.Contains(m, "unsupported"), strings.Contains(m, "format"),
		strings.Contains(m, "too large"):
		return CauseFormat
	default:
		return CauseNetwork
	}
}
