package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"go.uber.org/zap"
)

const (
	// imageBoundTransformation limits images to a 1200x800 box on ingest.
	imageBoundTransformation = "c_limit,w_1200,h_800"
	// videoPosterTransformation grabs the frame at one second.
	videoPosterTransformation = "so_1,w_480,h_270,c_limit"
)

var imageVariantTransformations = map[string]string{
	"thumbnail": "c_fill,w_300,h_300,g_auto",
	"medium":    "c_limit,w_800,h_600",
}

type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	// PosterTimeout bounds the HEAD request that warms a derived poster.
	PosterTimeout time.Duration
}

// CloudinaryGateway stores assets in Cloudinary.
type CloudinaryGateway struct {
	cld    *cloudinary.Cloudinary
	poster *http.Client
	logger *zap.Logger
}

func NewCloudinaryGateway(cfg CloudinaryConfig, logger *zap.Logger) (*CloudinaryGateway, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrMissingCredentials
	}
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	if cfg.PosterTimeout <= 0 {
		cfg.PosterTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudinaryGateway{
		cld:    cld,
		poster: &http.Client{Timeout: cfg.PosterTimeout},
		logger: logger,
	}, nil
}

func (g *CloudinaryGateway) Upload(ctx context.Context, req UploadRequest) (*media.RemoteAsset, error) {
	params := uploader.UploadParams{
		PublicID:     req.PublicID,
		Folder:       req.Folder,
		ResourceType: string(req.Kind),
		Overwrite:    api.Bool(false),
		Tags:         req.Tags,
	}
	if req.Kind == media.KindImage {
		params.Transformation = imageBoundTransformation
	}

	resp, err := g.cld.Upload.Upload(ctx, req.File.Path, params)
	if err != nil {
		return nil, &UploadError{Cause: transportCause(ctx, err), Err: err}
	}
	if resp.Error.Message != "" {
		return nil, &UploadError{Cause: classifyMessage(resp.Error.Message), Err: errors.New(resp.Error.Message)}
	}

	asset := &media.RemoteAsset{
		PublicID:  resp.PublicID,
		SecureURL: resp.SecureURL,
		Kind:      req.Kind,
		Format:    resp.Format,
		Bytes:     int64(resp.Bytes),
		Width:     int(resp.Width),
		Height:    int(resp.Height),
	}

	if req.Kind == media.KindImage {
		asset.Variants = make(map[string]string, len(imageVariantTransformations))
		for name, tr := range imageVariantTransformations {
			u, err := g.deliveryURL(media.KindImage, resp.PublicID, tr)
			if err != nil {
				g.logger.Warn("failed to derive image variant", zap.String("public_id", resp.PublicID), zap.String("variant", name), zap.Error(err))
				continue
			}
			asset.Variants[name] = u
		}
	}

	return asset, nil
}

func (g *CloudinaryGateway) DeriveThumbnail(ctx context.Context, asset *media.RemoteAsset) (string, error) {
	if asset.Kind != media.KindVideo {
		return "", &ThumbnailError{PublicID: asset.PublicID, Err: fmt.Errorf("not a video")}
	}

	u, err := g.deliveryURL(media.KindVideo, asset.PublicID, videoPosterTransformation)
	if err != nil {
		return "", &ThumbnailError{PublicID: asset.PublicID, Err: err}
	}
	u += ".jpg"

	// Derived assets are generated on first request; request it so a broken
	// transformation surfaces here instead of on the public site
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return "", &ThumbnailError{PublicID: asset.PublicID, Err: err}
	}
	resp, err := g.poster.Do(req)
	if err != nil {
		return "", &ThumbnailError{PublicID: asset.PublicID, Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", &ThumbnailError{PublicID: asset.PublicID, Err: fmt.Errorf("poster status %d", resp.StatusCode)}
	}

	return u, nil
}

func (g *CloudinaryGateway) Delete(ctx context.Context, publicID string, kind media.Kind) error {
	resp, err := g.cld.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     publicID,
		ResourceType: string(kind),
		Invalidate:   api.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("destroy %s: %w", publicID, err)
	}
	if resp.Error.Message != "" {
		return fmt.Errorf("destroy %s: %s", publicID, resp.Error.Message)
	}

	switch resp.Result {
	case "ok", "not found":
		return nil
	default:
		return fmt.Errorf("destroy %s: unexpected result %q", publicID, resp.Result)
	}
}

func (g *CloudinaryGateway) deliveryURL(kind media.Kind, publicID, transformation string) (string, error) {
	build := g.cld.Image
	if kind == media.KindVideo {
		build = g.cld.Video
	}
	a, err := build(publicID)
	if err != nil {
		return "", err
	}
	a.Transformation = transformation
	return a.String()
}

func transportCause(ctx context.Context, err error) Cause {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CauseTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}
	return CauseNetwork
}
