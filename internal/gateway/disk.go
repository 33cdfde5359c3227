package gateway

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	maxImageWidth  = 1200
	maxImageHeight = 800
)

// ErrThumbnailUnsupported is returned by the disk store for video posters.
var ErrThumbnailUnsupported = errors.New("video thumbnails are not supported by the local asset store")

// rasterExts can be decoded, bounded and re-encoded by imaging.
var rasterExts = map[string]struct{}{"jpg": {}, "jpeg": {}, "png": {}, "gif": {}}

// variantWidths are the derived image sizes written next to each raster image.
var variantWidths = []struct {
	name  string
	width int
}{
	{"small", 150},
	{"medium", 400},
}

// DiskGateway is a local asset store used for development and tests. Assets
// live under root and are served from baseURL.
type DiskGateway struct {
	root    string
	baseURL string
	logger  *zap.Logger
	save    func(img image.Image, filename string, opts ...imaging.EncodeOption) error
}

func NewDiskGateway(root, baseURL string, logger *zap.Logger) *DiskGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskGateway{root: root, baseURL: strings.TrimRight(baseURL, "/"), logger: logger, save: imaging.Save}
}

// Root returns the directory assets are written to.
func (g *DiskGateway) Root() string {
	return g.root
}

func (g *DiskGateway) Upload(ctx context.Context, req UploadRequest) (_ *media.RemoteAsset, err error) {
	if err := ctx.Err(); err != nil {
		return nil, &UploadError{Cause: CauseTimeout, Err: err}
	}

	ext := req.File.Ext()
	fullID := req.FullID()
	dst, err := g.assetPath(fullID + "." + ext)
	if err != nil {
		return nil, &UploadError{Cause: CauseFormat, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, &UploadError{Cause: CauseNetwork, Err: err}
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, &UploadError{Cause: CauseConflict, Err: fmt.Errorf("asset %s already exists", fullID)}
	}

	asset := &media.RemoteAsset{
		PublicID: fullID,
		Kind:     req.Kind,
		Format:   ext,
	}

	// Anything written from here on is removed if the upload does not complete.
	defer func() {
		if err != nil {
			g.discard(fullID, dst)
		}
	}()

	if _, raster := rasterExts[ext]; raster && req.Kind == media.KindImage {
		if err = g.storeImage(req.File.Path, dst, fullID, asset); err != nil {
			return nil, err
		}
	} else if err = copyFile(req.File.Path, dst); err != nil {
		return nil, &UploadError{Cause: CauseNetwork, Err: err}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, &UploadError{Cause: CauseNetwork, Err: err}
	}
	asset.Bytes = info.Size()
	asset.SecureURL = g.url(fullID + "." + ext)

	return asset, nil
}

func (g *DiskGateway) storeImage(src, dst, fullID string, asset *media.RemoteAsset) error {
	img, err := imaging.Open(src)
	if err != nil {
		return &UploadError{Cause: CauseFormat, Err: fmt.Errorf("decode image: %w", err)}
	}

	// Bound to the max box; images already inside it are kept as-is
	bounded := imaging.Fit(img, maxImageWidth, maxImageHeight, imaging.Lanczos)
	if err := g.save(bounded, dst); err != nil {
		return &UploadError{Cause: CauseNetwork, Err: fmt.Errorf("save image: %w", err)}
	}

	b := bounded.Bounds()
	asset.Width, asset.Height = b.Dx(), b.Dy()
	asset.Variants = g.saveVariants(fullID, bounded)
	return nil
}

// saveVariants writes resized copies. A failed variant is logged and skipped.
func (g *DiskGateway) saveVariants(fullID string, img image.Image) map[string]string {
	variants := make(map[string]string, len(variantWidths)+1)
	for _, v := range variantWidths {
		thumb := img
		if img.Bounds().Dx() > v.width {
			thumb = imaging.Resize(img, v.width, 0, imaging.Lanczos)
		}

		rel := fmt.Sprintf("%s-thumb-%s.jpg", fullID, v.name)
		dst, err := g.assetPath(rel)
		if err == nil {
			err = g.save(thumb, dst)
		}
		if err != nil {
			g.logger.Warn("failed to save image variant", zap.String("public_id", fullID), zap.String("variant", v.name), zap.Error(err))
			continue
		}
		variants[v.name] = g.url(rel)
	}
	if small, ok := variants["small"]; ok {
		variants["thumbnail"] = small
	}
	if len(variants) == 0 {
		return nil
	}
	return variants
}

// discard removes a partially written asset and its variants.
func (g *DiskGateway) discard(fullID, dst string) {
	paths := []string{dst}
	for _, v := range variantWidths {
		if p, err := g.assetPath(fmt.Sprintf("%s-thumb-%s.jpg", fullID, v.name)); err == nil {
			paths = append(paths, p)
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			g.logger.Warn("failed to remove partial asset", zap.String("path", p), zap.Error(err))
		}
	}
}

func (g *DiskGateway) DeriveThumbnail(ctx context.Context, asset *media.RemoteAsset) (string, error) {
	return "", &ThumbnailError{PublicID: asset.PublicID, Err: ErrThumbnailUnsupported}
}

func (g *DiskGateway) Delete(ctx context.Context, publicID string, kind media.Kind) error {
	base, err := g.assetPath(publicID)
	if err != nil {
		return err
	}

	var matches []string
	for _, pattern := range []string{base + ".*", base + "-thumb-*.jpg"} {
		m, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("delete %s: %w", publicID, err)
		}
		matches = append(matches, m...)
	}

	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", publicID, err)
		}
	}
	return nil
}

// assetPath resolves rel inside root, rejecting anything that escapes it.
func (g *DiskGateway) assetPath(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))
	if clean == "/" || strings.ContainsAny(clean, "*?[") {
		return "", fmt.Errorf("invalid asset id %q", rel)
	}
	return filepath.Join(g.root, filepath.FromSlash(clean)), nil
}

func (g *DiskGateway) url(rel string) string {
	return g.baseURL + "/" + strings.TrimPrefix(path.Clean("/"+rel), "/")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
