package gateway_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGateway ignores ctx on purpose to model a driver stuck in I/O.
type stubGateway struct {
	uploadDelay time.Duration
	uploadErr   error
	deleteErr   error
	thumbDelay  time.Duration
	uploadPanic any
	thumbPanic  any

	uploads atomic.Int32
	mu      sync.Mutex
	deleted []string
}

func (s *stubGateway) Upload(ctx context.Context, req gateway.UploadRequest) (*media.RemoteAsset, error) {
	s.uploads.Add(1)
	time.Sleep(s.uploadDelay)
	if s.uploadPanic != nil {
		panic(s.uploadPanic)
	}
	if s.uploadErr != nil {
		return nil, s.uploadErr
	}
	return &media.RemoteAsset{PublicID: req.FullID(), SecureURL: "https://cdn.test/" + req.FullID(), Kind: req.Kind}, nil
}

func (s *stubGateway) DeriveThumbnail(ctx context.Context, asset *media.RemoteAsset) (string, error) {
	time.Sleep(s.thumbDelay)
	if s.thumbPanic != nil {
		panic(s.thumbPanic)
	}
	return "https://cdn.test/" + asset.PublicID + ".jpg", nil
}

func (s *stubGateway) Delete(ctx context.Context, publicID string, kind media.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, publicID)
	return nil
}

func (s *stubGateway) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

type journalStub struct {
	mu  sync.Mutex
	ids []string
}

func (j *journalStub) Record(ctx context.Context, publicID string, kind media.Kind, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ids = append(j.ids, publicID)
	return nil
}

func (j *journalStub) recorded() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ids...)
}

func uploadReq(id string) gateway.UploadRequest {
	return gateway.UploadRequest{
		File:     &staging.StagedFile{ID: "1-" + id, Name: id + ".jpg"},
		Folder:   "gallery",
		PublicID: id,
		Kind:     media.KindImage,
	}
}

func TestResilientPassesThrough(t *testing.T) {
	stub := &stubGateway{}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: time.Second, Name: "pass"}, nil)

	asset, err := r.Upload(context.Background(), uploadReq("a"))
	require.NoError(t, err)
	assert.Equal(t, "gallery/a", asset.PublicID)

	require.NoError(t, r.Delete(context.Background(), asset.PublicID, asset.Kind))
	assert.Equal(t, []string{"gallery/a"}, stub.deletedIDs())
}

func TestResilientTimeoutIsUploadErrorAndReapsLateUpload(t *testing.T) {
	stub := &stubGateway{uploadDelay: 150 * time.Millisecond}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: 30 * time.Millisecond, Name: "timeout"}, nil)

	start := time.Now()
	_, err := r.Upload(context.Background(), uploadReq("slow"))
	assert.Less(t, time.Since(start), 120*time.Millisecond, "caller must not wait for the stuck driver")

	var ue *gateway.UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, gateway.CauseTimeout, ue.Cause)

	assert.Eventually(t, func() bool {
		ids := stub.deletedIDs()
		return len(ids) == 1 && ids[0] == "gallery/slow"
	}, 2*time.Second, 10*time.Millisecond, "late upload must be deleted")
}

func TestResilientJournalsLateUploadWhenDeleteFails(t *testing.T) {
	stub := &stubGateway{uploadDelay: 100 * time.Millisecond, deleteErr: errors.New("503")}
	journal := &journalStub{}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: 20 * time.Millisecond, Name: "journal"}, nil).
		WithOrphanJournal(journal)

	_, err := r.Upload(context.Background(), uploadReq("late"))
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return len(journal.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResilientBreakerOpensOnRemoteFailures(t *testing.T) {
	stub := &stubGateway{uploadErr: &gateway.UploadError{Cause: gateway.CauseNetwork, Err: errors.New("connection refused")}}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		Name:            "breaker",
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Upload(context.Background(), uploadReq("x"))
		require.Error(t, err)
	}

	_, err := r.Upload(context.Background(), uploadReq("x"))
	var ue *gateway.UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, gateway.CauseUnavailable, ue.Cause)
	assert.Equal(t, int32(2), stub.uploads.Load(), "open breaker must short-circuit")
}

func TestResilientFormatRejectionsDoNotTripBreaker(t *testing.T) {
	stub := &stubGateway{uploadErr: &gateway.UploadError{Cause: gateway.CauseFormat, Err: errors.New("Invalid image file")}}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: time.Second, BreakerFailures: 1, Name: "format"}, nil)

	for i := 0; i < 3; i++ {
		_, err := r.Upload(context.Background(), uploadReq("bad"))
		var ue *gateway.UploadError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, gateway.CauseFormat, ue.Cause)
	}
	assert.Equal(t, int32(3), stub.uploads.Load())
}

func TestResilientPlainErrorsBecomeUploadErrors(t *testing.T) {
	stub := &stubGateway{uploadErr: errors.New("boom")}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: time.Second, Name: "plain"}, nil)

	_, err := r.Upload(context.Background(), uploadReq("x"))
	var ue *gateway.UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, gateway.CauseNetwork, ue.Cause)
}

func TestResilientThumbnailTimeout(t *testing.T) {
	stub := &stubGateway{thumbDelay: 200 * time.Millisecond}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: 20 * time.Millisecond, Name: "thumb"}, nil)

	_, err := r.DeriveThumbnail(context.Background(), &media.RemoteAsset{PublicID: "v", Kind: media.KindVideo})
	var te *gateway.ThumbnailError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResilientUploadPanicBecomesUploadError(t *testing.T) {
	stub := &stubGateway{uploadPanic: "driver blew up"}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		Name:            "panicky",
	}, nil)

	var err error
	require.NotPanics(t, func() {
		_, err = r.Upload(context.Background(), uploadReq("boom"))
	})
	var ue *gateway.UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, gateway.CauseNetwork, ue.Cause)
	assert.Contains(t, err.Error(), "gateway panic: driver blew up")

	// Panics count as breaker failures.
	_, err = r.Upload(context.Background(), uploadReq("boom"))
	require.Error(t, err)
	_, err = r.Upload(context.Background(), uploadReq("boom"))
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, gateway.CauseUnavailable, ue.Cause)
	assert.Equal(t, int32(2), stub.uploads.Load())
}

func TestResilientDeletePanicIsReturned(t *testing.T) {
	r := gateway.NewResilient(&panickingDeleter{}, gateway.ResilienceConfig{Timeout: time.Second, Name: "delete-panic"}, nil)

	var err error
	require.NotPanics(t, func() {
		err = r.Delete(context.Background(), "campaign/a", media.KindImage)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway panic")
}

func TestResilientThumbnailPanicBecomesThumbnailError(t *testing.T) {
	stub := &stubGateway{thumbPanic: errors.New("poster decoder crashed")}
	r := gateway.NewResilient(stub, gateway.ResilienceConfig{Timeout: time.Second, Name: "thumb-panic"}, nil)

	var err error
	require.NotPanics(t, func() {
		_, err = r.DeriveThumbnail(context.Background(), &media.RemoteAsset{PublicID: "v", Kind: media.KindVideo})
	})
	var te *gateway.ThumbnailError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "v", te.PublicID)
	assert.Contains(t, err.Error(), "poster decoder crashed")
}

type panickingDeleter struct {
	stubGateway
}

func (p *panickingDeleter) Delete(ctx context.Context, publicID string, kind media.Kind) error {
	panic("delete exploded")
}
