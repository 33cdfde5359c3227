package media

import (
	"strings"
	"time"
)

// Kind is the resource class of an uploaded file.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// EntityKind names the campaign resource an upload is attached to.
type EntityKind string

const (
	EntityGallery EntityKind = "gallery"
	EntityPress   EntityKind = "press"
)

// EntityRef points at the owning gallery or press release.
type EntityRef struct {
	Kind EntityKind `json:"kind" validate:"required,oneof=gallery press"`
	ID   string     `json:"id,omitempty" validate:"required_if=Kind press,max=64"`
}

// RemoteAsset is a file resident in the remote store. It only exists after a
// successful gateway upload and is only removed by an explicit gateway delete.
type RemoteAsset struct {
	PublicID  string
	SecureURL string
	Kind      Kind
	Format    string
	Bytes     int64
	Width     int
	Height    int
	Duration  float64
	Variants  map[string]string
}

// MediaRecord is the persisted entity referencing one primary remote asset.
type MediaRecord struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"type"`
	Title        string            `json:"title,omitempty"`
	Filename     string            `json:"filename"`
	MIMEType     string            `json:"mime_type,omitempty"`
	URL          string            `json:"url"`
	PublicID     string            `json:"public_id"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	Variants     map[string]string `json:"variants,omitempty"`
	Bytes        int64             `json:"bytes"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	Duration     float64           `json:"duration,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Entity       EntityRef         `json:"entity"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Draft is a MediaRecord that has not been persisted yet.
type Draft struct {
	ID           string
	Kind         Kind
	Title        string
	Filename     string
	MIMEType     string
	URL          string
	PublicID     string
	ThumbnailURL string
	Variants     map[string]string
	Bytes        int64
	Width        int
	Height       int
	Duration     float64
	Tags         []string
	Entity       EntityRef
}

// Record turns the draft into the entity a store returns after saving it.
func (d *Draft) Record(createdAt time.Time) MediaRecord {
	return MediaRecord{
		ID:           d.ID,
		Kind:         d.Kind,
		Title:        d.Title,
		Filename:     d.Filename,
		MIMEType:     d.MIMEType,
		URL:          d.URL,
		PublicID:     d.PublicID,
		ThumbnailURL: d.ThumbnailURL,
		Variants:     cloneVariants(d.Variants),
		Bytes:        d.Bytes,
		Width:        d.Width,
		Height:       d.Height,
		Duration:     d.Duration,
		Tags:         append([]string(nil), d.Tags...),
		Entity:       d.Entity,
		CreatedAt:    createdAt.UTC(),
	}
}

// Folder is the remote folder used for uploads attached to ref.
func (ref EntityRef) Folder(root string) string {
	parts := []string{strings.Trim(root, "/")}
	switch ref.Kind {
	case EntityPress:
		parts = append(parts, "press", ref.ID)
	default:
		parts = append(parts, "gallery")
	}
	return strings.Trim(strings.Join(parts, "/"), "/")
}

func cloneVariants(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
