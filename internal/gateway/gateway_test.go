package gateway_test

import (
	"errors"
	"testing"

	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		mime     string
		want     media.Kind
		wantErr  bool
	}{
		{"jpeg", "a.JPG", "", media.KindImage, false},
		{"svg", "logo.svg", "image/svg+xml", media.KindImage, false},
		{"webp", "b.webp", "", media.KindImage, false},
		{"mp4", "b.mp4", "video/mp4", media.KindVideo, false},
		{"mkv", "speech.mkv", "", media.KindVideo, false},
		{"extension wins over mime", "clip.mov", "image/png", media.KindVideo, false},
		{"exe rejected", "c.exe", "application/octet-stream", "", true},
		{"exe posing as image", "c.exe", "image/png", "", true},
		{"pdf rejected", "flyer.pdf", "application/pdf", "", true},
		{"no extension uses mime", "blob", "image/png; charset=binary", media.KindImage, false},
		{"no extension video mime", "blob", "video/quicktime", media.KindVideo, false},
		{"no extension unknown mime", "blob", "text/plain", "", true},
		{"no extension no mime", "blob", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gateway.Classify(tt.filename, tt.mime)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, gateway.ErrUnsupportedKind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublicIDFor(t *testing.T) {
	sf := &staging.StagedFile{ID: "1700000000000000000-ab12cd34", Name: "Rally Photo.JPG"}
	assert.Equal(t, "Rally_Photo-ab12cd34", gateway.PublicIDFor(sf))

	sf = &staging.StagedFile{ID: "", Name: ".jpg"}
	assert.Equal(t, "upload", gateway.PublicIDFor(sf))
}

func TestUploadRequestFullID(t *testing.T) {
	assert.Equal(t, "campaign/gallery/a-1", gateway.UploadRequest{Folder: "campaign/gallery", PublicID: "a-1"}.FullID())
	assert.Equal(t, "a-1", gateway.UploadRequest{PublicID: "a-1"}.FullID())
}

func TestUploadErrorPublicReason(t *testing.T) {
	err := &gateway.UploadError{Cause: gateway.CauseTimeout, Err: errors.New("dial tcp 10.0.0.1:443: i/o timeout")}
	assert.Equal(t, "remote store timed out", media.PublicReason(err))
	assert.NotContains(t, media.PublicReason(err), "10.0.0.1")

	wrapped := &gateway.UploadError{Cause: gateway.CauseAuth, Err: errors.New("Invalid Signature abc")}
	assert.Equal(t, "remote upload failed", media.PublicReason(wrapped))
}
