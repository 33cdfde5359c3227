package media

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// BuildInput carries everything the builder needs for one uploaded file.
type BuildInput struct {
	Filename     string
	MIMEType     string
	Asset        *RemoteAsset
	ThumbnailURL string
	Title        string
	Tags         []string
	Entity       EntityRef
}

// Builder assembles record drafts from gateway responses.
type Builder struct {
	newID func() string
}

func NewBuilder() *Builder {
	return &Builder{newID: func() string { return uuid.New().String() }}
}

func (b *Builder) Build(in BuildInput) (*Draft, error) {
	asset := in.Asset
	if asset == nil {
		return nil, &BuildError{Field: "asset", Reason: "is missing"}
	}
	if strings.TrimSpace(asset.PublicID) == "" {
		return nil, &BuildError{Field: "public_id", Reason: "is empty"}
	}
	if !asset.Kind.Valid() {
		return nil, &BuildError{Field: "kind", Reason: "is not image or video"}
	}
	if err := checkURL(asset.SecureURL); err != nil {
		return nil, &BuildError{Field: "secure_url", Reason: err.Error()}
	}
	if asset.Bytes < 0 || asset.Width < 0 || asset.Height < 0 {
		return nil, &BuildError{Field: "dimensions", Reason: "are negative"}
	}

	thumb := in.ThumbnailURL
	if thumb == "" {
		thumb = asset.Variants["thumbnail"]
	}

	return &Draft{
		ID:           b.newID(),
		Kind:         asset.Kind,
		Title:        strings.TrimSpace(in.Title),
		Filename:     in.Filename,
		MIMEType:     in.MIMEType,
		URL:          asset.SecureURL,
		PublicID:     asset.PublicID,
		ThumbnailURL: thumb,
		Variants:     cloneVariants(asset.Variants),
		Bytes:        asset.Bytes,
		Width:        asset.Width,
		Height:       asset.Height,
		Duration:     asset.Duration,
		Tags:         NormalizeTags(in.Tags),
		Entity:       in.Entity,
	}, nil
}

// NormalizeTags trims, lowercases and de-duplicates tags, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type urlError string

func (e urlError) Error() string { return string(e) }

func checkURL(raw string) error {
	if raw == "" {
		return urlError("is empty")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return urlError("is not an absolute url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return urlError("has unsupported scheme")
	}
	return nil
}
