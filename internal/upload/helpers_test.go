package upload_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/database"
	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is an in-memory remote store with per-file fault injection.
type fakeGateway struct {
	mu         sync.Mutex
	live       map[string]*media.RemoteAsset
	uploads    int
	uploadErr  map[string]error
	panicOn    string
	incomplete string
	thumbErr   error
	deleteErr  error
	delay      time.Duration
	inFlight   int
	maxFlight  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{live: map[string]*media.RemoteAsset{}, uploadErr: map[string]error{}}
}

func (g *fakeGateway) Upload(ctx context.Context, req gateway.UploadRequest) (*media.RemoteAsset, error) {
	g.mu.Lock()
	g.uploads++
	g.inFlight++
	if g.inFlight > g.maxFlight {
		g.maxFlight = g.inFlight
	}
	err := g.uploadErr[req.File.Name]
	panicOn, incomplete, delay := g.panicOn, g.incomplete, g.delay
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if req.File.Name == panicOn {
		panic("gateway exploded")
	}
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(req.File.Path); statErr != nil {
		return nil, &gateway.UploadError{Cause: gateway.CauseNetwork, Err: statErr}
	}

	asset := &media.RemoteAsset{
		PublicID:  req.FullID(),
		SecureURL: "https://res.test/" + req.FullID(),
		Kind:      req.Kind,
		Format:    req.File.Ext(),
		Bytes:     req.File.Size,
	}
	if req.Kind == media.KindImage {
		asset.Width, asset.Height = 640, 480
		asset.Variants = map[string]string{"thumbnail": asset.SecureURL + "/thumb"}
	}
	if req.File.Name == incomplete {
		asset.SecureURL = ""
	}

	g.mu.Lock()
	g.live[asset.PublicID] = asset
	g.mu.Unlock()
	return asset, nil
}

func (g *fakeGateway) DeriveThumbnail(ctx context.Context, asset *media.RemoteAsset) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.thumbErr != nil {
		return "", &gateway.ThumbnailError{PublicID: asset.PublicID, Err: g.thumbErr}
	}
	return asset.SecureURL + ".jpg", nil
}

func (g *fakeGateway) Delete(ctx context.Context, publicID string, kind media.Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	delete(g.live, publicID)
	return nil
}

func (g *fakeGateway) liveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

func (g *fakeGateway) uploadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uploads
}

func (g *fakeGateway) failUpload(name string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploadErr[name] = err
}

type harness struct {
	orch    *upload.Orchestrator
	staging *staging.Store
	gateway *fakeGateway
	store   *database.MemoryStore
	dir     string
}

func newHarness(t *testing.T, cfg upload.Config) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		staging: staging.NewStore(dir, nil),
		gateway: newFakeGateway(),
		store:   database.NewMemoryStore(),
		dir:     dir,
	}
	h.orch = upload.NewOrchestrator(cfg, upload.Deps{
		Staging: h.staging,
		Gateway: h.gateway,
		Store:   h.store,
		Journal: h.store,
	})
	return h
}

func (h *harness) stage(t *testing.T, name string, content []byte) *staging.StagedFile {
	t.Helper()
	sf, err := h.staging.Stage(context.Background(), bytes.NewReader(content), name, "", "req-test")
	require.NoError(t, err)
	return sf
}

func (h *harness) stageAll(t *testing.T, names ...string) []*staging.StagedFile {
	t.Helper()
	var out []*staging.StagedFile
	for _, n := range names {
		out = append(out, h.stage(t, n, []byte("payload of "+n)))
	}
	return out
}

// assertNoLeaks checks that no staged file survived and that every live
// remote asset is referenced by a stored record.
func (h *harness) assertNoLeaks(t *testing.T, records []media.MediaRecord) {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should be empty")

	h.gateway.mu.Lock()
	defer h.gateway.mu.Unlock()
	referenced := map[string]bool{}
	for _, r := range records {
		referenced[r.PublicID] = true
	}
	for id := range h.gateway.live {
		assert.True(t, referenced[id], "remote asset %s has no record", id)
	}
	assert.Len(t, h.gateway.live, len(records))
}

func galleryMeta() upload.Metadata {
	return upload.Metadata{Entity: media.EntityRef{Kind: media.EntityGallery}, Title: "Rally", Tags: []string{"Rally", "2026"}}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// mp4Header is enough for content sniffing to report video/mp4.
var mp4Header = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")

var errRemoteDown = &gateway.UploadError{Cause: gateway.CauseNetwork, Err: errors.New("connection reset")}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("photo-%02d.jpg", i)
	}
	return out
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
