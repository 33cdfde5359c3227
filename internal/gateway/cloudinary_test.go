package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seenRequest is what the fake upload API recorded for one call.
type seenRequest struct {
	path string
	form url.Values
}

type fakeCloudinary struct {
	mu   sync.Mutex
	seen []seenRequest
}

func (f *fakeCloudinary) record(r *http.Request) {
	_ = r.ParseMultipartForm(1 << 20)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, seenRequest{path: r.URL.Path, form: r.Form})
}

func (f *fakeCloudinary) last(t *testing.T) seenRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.seen)
	return f.seen[len(f.seen)-1]
}

// newTestCloudinary points the upload API at a local server that answers
// every call with status and body.
func newTestCloudinary(t *testing.T, status int, body string) (*CloudinaryGateway, *fakeCloudinary, *httptest.Server) {
	t.Helper()
	fake := &fakeCloudinary{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	g, err := NewCloudinaryGateway(CloudinaryConfig{CloudName: "demo", APIKey: "key", APISecret: "secret"}, nil)
	require.NoError(t, err)
	g.cld.Upload.Config.API.UploadPrefix = srv.URL
	return g, fake, srv
}

func stagedBlob(t *testing.T, name string) *staging.StagedFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("not really media"), 0o600))
	return &staging.StagedFile{ID: "1-abcd1234", Path: path, Name: name, Size: 16}
}

func TestNewCloudinaryGatewayRequiresCredentials(t *testing.T) {
	_, err := NewCloudinaryGateway(CloudinaryConfig{CloudName: "demo", APIKey: "key"}, nil)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestCloudinaryUploadImage(t *testing.T) {
	g, fake, _ := newTestCloudinary(t, http.StatusOK, `{
		"public_id": "campaign/gallery/poster-1",
		"secure_url": "https://res.cloudinary.com/demo/image/upload/v1/campaign/gallery/poster-1.png",
		"format": "png", "bytes": 2048, "width": 1200, "height": 600}`)

	asset, err := g.Upload(context.Background(), UploadRequest{
		File:     stagedBlob(t, "poster.png"),
		Folder:   "campaign/gallery",
		PublicID: "poster-1",
		Kind:     media.KindImage,
		Tags:     []string{"rally", "2024"},
	})
	require.NoError(t, err)

	seen := fake.last(t)
	assert.Equal(t, "/v1_1/demo/auto/upload", seen.path)
	assert.Equal(t, "poster-1", seen.form.Get("public_id"))
	assert.Equal(t, "campaign/gallery", seen.form.Get("folder"))
	assert.Equal(t, "image", seen.form.Get("resource_type"))
	assert.Equal(t, "false", seen.form.Get("overwrite"))
	assert.Equal(t, "rally,2024", seen.form.Get("tags"))
	assert.Equal(t, imageBoundTransformation, seen.form.Get("transformation"))

	assert.Equal(t, "campaign/gallery/poster-1", asset.PublicID)
	assert.Equal(t, media.KindImage, asset.Kind)
	assert.Equal(t, "png", asset.Format)
	assert.EqualValues(t, 2048, asset.Bytes)
	assert.Equal(t, 1200, asset.Width)
	assert.Equal(t, 600, asset.Height)
	require.Len(t, asset.Variants, len(imageVariantTransformations))
	for name, tr := range imageVariantTransformations {
		assert.Contains(t, asset.Variants[name], tr, name)
		assert.Contains(t, asset.Variants[name], "campaign/gallery/poster-1", name)
	}
}

func TestCloudinaryUploadVideoIsNotTransformed(t *testing.T) {
	g, fake, _ := newTestCloudinary(t, http.StatusOK, `{
		"public_id": "campaign/gallery/speech-1",
		"secure_url": "https://res.cloudinary.com/demo/video/upload/v1/campaign/gallery/speech-1.mp4",
		"format": "mp4", "bytes": 4096}`)

	asset, err := g.Upload(context.Background(), UploadRequest{
		File:     stagedBlob(t, "speech.mp4"),
		Folder:   "campaign/gallery",
		PublicID: "speech-1",
		Kind:     media.KindVideo,
	})
	require.NoError(t, err)

	seen := fake.last(t)
	assert.Equal(t, "video", seen.form.Get("resource_type"))
	assert.Empty(t, seen.form.Get("transformation"))
	assert.Equal(t, "false", seen.form.Get("overwrite"))
	assert.Equal(t, media.KindVideo, asset.Kind)
	assert.Nil(t, asset.Variants)
}

func TestCloudinaryUploadErrorCauses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    Cause
	}{
		{"duplicate", http.StatusBadRequest, "Resource already exists", CauseConflict},
		{"bad signature", http.StatusUnauthorized, "Invalid Signature 1234", CauseAuth},
		{"unknown key", http.StatusUnauthorized, "Unknown API key key", CauseAuth},
		{"quota", http.StatusBadRequest, "Storage quota exceeded", CauseQuota},
		{"rate limited", http.StatusTooManyRequests, "Rate Limit Exceeded", CauseQuota},
		{"format", http.StatusBadRequest, "Unsupported video format or file", CauseFormat},
		{"size", http.StatusBadRequest, "File size too large", CauseFormat},
		{"server", http.StatusInternalServerError, "General Error", CauseNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fmt.Sprintf(`{"error":{"message":%q}}`, tt.message)
			g, _, _ := newTestCloudinary(t, tt.status, body)

			_, err := g.Upload(context.Background(), UploadRequest{
				File:     stagedBlob(t, "poster.png"),
				PublicID: "poster-1",
				Kind:     media.KindImage,
			})
			var ue *UploadError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.want, ue.Cause)
			assert.Contains(t, ue.Error(), tt.message)
		})
	}
}

func TestCloudinaryUploadTransportFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		g, _, srv := newTestCloudinary(t, http.StatusOK, `{}`)
		srv.Close()

		_, err := g.Upload(context.Background(), UploadRequest{File: stagedBlob(t, "a.png"), PublicID: "a", Kind: media.KindImage})
		var ue *UploadError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, CauseNetwork, ue.Cause)
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		g, err := NewCloudinaryGateway(CloudinaryConfig{CloudName: "demo", APIKey: "key", APISecret: "secret"}, nil)
		require.NoError(t, err)
		g.cld.Upload.Config.API.UploadPrefix = srv.URL

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = g.Upload(ctx, UploadRequest{File: stagedBlob(t, "a.png"), PublicID: "a", Kind: media.KindImage})
		var ue *UploadError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, CauseTimeout, ue.Cause)
	})
}

func TestCloudinaryDelete(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"deleted", http.StatusOK, `{"result":"ok"}`, ""},
		{"already gone", http.StatusOK, `{"result":"not found"}`, ""},
		{"unexpected result", http.StatusOK, `{"result":"error"}`, `unexpected result "error"`},
		{"api error", http.StatusUnauthorized, `{"error":{"message":"Invalid Signature"}}`, "Invalid Signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, fake, _ := newTestCloudinary(t, tt.status, tt.body)

			err := g.Delete(context.Background(), "campaign/gallery/speech-1", media.KindVideo)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), "campaign/gallery/speech-1")
			}

			seen := fake.last(t)
			assert.Equal(t, "/v1_1/demo/video/destroy", seen.path)
			assert.Equal(t, "campaign/gallery/speech-1", seen.form.Get("public_id"))
			assert.Equal(t, "true", seen.form.Get("invalidate"))
		})
	}
}

func TestCloudinaryDeleteUnreachable(t *testing.T) {
	g, _, srv := newTestCloudinary(t, http.StatusOK, `{"result":"ok"}`)
	srv.Close()

	err := g.Delete(context.Background(), "campaign/gallery/a", media.KindImage)
	require.Error(t, err)
}

// redirectTransport sends every request to target, keeping the path.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

// withPosterServer routes the poster HEAD request to a local server.
func withPosterServer(t *testing.T, g *CloudinaryGateway, status int) *[]string {
	t.Helper()
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	g.poster = &http.Client{Transport: redirectTransport{target: target}, Timeout: time.Second}
	return &paths
}

func TestCloudinaryDeriveThumbnail(t *testing.T) {
	g, _, _ := newTestCloudinary(t, http.StatusOK, `{}`)
	paths := withPosterServer(t, g, http.StatusOK)

	u, err := g.DeriveThumbnail(context.Background(), &media.RemoteAsset{PublicID: "campaign/gallery/speech-1", Kind: media.KindVideo})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(u, "campaign/gallery/speech-1.jpg"), u)
	assert.Contains(t, u, videoPosterTransformation)
	assert.Contains(t, u, "/video/upload/")
	require.Len(t, *paths, 1)
	assert.True(t, strings.HasPrefix((*paths)[0], http.MethodHead+" "), (*paths)[0])
	assert.True(t, strings.HasSuffix((*paths)[0], "speech-1.jpg"), (*paths)[0])
}

func TestCloudinaryDeriveThumbnailMissingPoster(t *testing.T) {
	g, _, _ := newTestCloudinary(t, http.StatusOK, `{}`)
	withPosterServer(t, g, http.StatusNotFound)

	_, err := g.DeriveThumbnail(context.Background(), &media.RemoteAsset{PublicID: "campaign/gallery/speech-1", Kind: media.KindVideo})
	var te *ThumbnailError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "campaign/gallery/speech-1", te.PublicID)
	assert.Contains(t, err.Error(), "404")
}

func TestCloudinaryDeriveThumbnailRejectsImages(t *testing.T) {
	g, _, _ := newTestCloudinary(t, http.StatusOK, `{}`)
	paths := withPosterServer(t, g, http.StatusOK)

	_, err := g.DeriveThumbnail(context.Background(), &media.RemoteAsset{PublicID: "campaign/gallery/poster-1", Kind: media.KindImage})
	var te *ThumbnailError
	require.ErrorAs(t, err, &te)
	assert.Empty(t, *paths)
	assert.Contains(t, err.Error(), "not a video")
}
