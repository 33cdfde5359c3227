package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadStreamsMultipart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poster.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o644))

	var (
		gotPath  string
		gotKey   string
		gotTitle string
		gotFile  string
		gotType  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		mr, err := r.MultipartReader()
		require.NoError(t, err)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			b, _ := io.ReadAll(p)
			switch p.FormName() {
			case "title":
				gotTitle = string(b)
			case "files":
				gotFile = p.FileName()
				gotType = p.Header.Get("Content-Type")
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":[{"id":"1"}],"errors":[]}`))
	}))
	defer srv.Close()

	var progress bytes.Buffer
	mc := NewMediaClient(srv.URL, "secret", 5*time.Second, &progress)
	resp, status, err := mc.Upload(context.Background(), media.EntityRef{Kind: media.EntityPress, ID: "pr-1"}, "Launch", []string{"a"}, []string{path})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "/api/press/pr-1/attachments", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "Launch", gotTitle)
	assert.Equal(t, "poster.png", gotFile)
	assert.Equal(t, "image/png", gotType)
	assert.Contains(t, progress.String(), "100.00%")
}

func TestReportFailsOnErrorStatus(t *testing.T) {
	var out bytes.Buffer
	err := report(&out, &Response{Errors: nil}, http.StatusNotFound)
	assert.Error(t, err)

	out.Reset()
	resp := &Response{Success: false}
	resp.Errors = append(resp.Errors, upload.FileError{Filename: "a.exe", Reason: "has an unsupported type"})
	require.Error(t, report(&out, resp, http.StatusBadRequest))
	assert.Contains(t, out.String(), "a.exe: has an unsupported type")
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "image/png", detectContentType("poster.PNG"))
	assert.Equal(t, "application/octet-stream", detectContentType("noext"))
}
