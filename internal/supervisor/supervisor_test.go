package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
)

type fakeHTTPServer struct {
	mu       sync.Mutex
	stop     chan struct{}
	listenFn func() error
	shutdown bool
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{stop: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenFn != nil {
		return f.listenFn()
	}
	<-f.stop
	return nil
}

func (f *fakeHTTPServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.shutdown {
		f.shutdown = true
		close(f.stop)
	}
	return nil
}

func TestHTTPServerServiceShutsDownOnCancel(t *testing.T) {
	srv := newFakeHTTPServer()
	svc := NewHTTPServerService("public-http", srv, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.True(t, srv.shutdown)
	assert.Equal(t, "public-http", svc.String())
}

func TestHTTPServerServiceReportsListenError(t *testing.T) {
	srv := newFakeHTTPServer()
	srv.listenFn = func() error { return errors.New("address already in use") }
	svc := NewHTTPServerService("public-http", srv, time.Second, zap.NewNop())

	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}

func TestGRPCServerServiceStops(t *testing.T) {
	svc := NewGRPCServerService(grpc.NewServer(), "127.0.0.1:0", time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("grpc service did not stop")
	}
}

type countingWorker struct {
	runs   atomic.Int32
	panics bool
}

func (w *countingWorker) Serve(ctx context.Context) error {
	if w.runs.Add(1) == 1 && w.panics {
		panic("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (w *countingWorker) String() string { return "counting-worker" }

func TestTreeRestartsPanickingWorkerAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tree := NewTree(zap.New(core), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})

	worker := &countingWorker{panics: true}
	tree.AddWorker(worker)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return worker.runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-errCh

	assert.NotZero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len(), "panic should be logged")
}
