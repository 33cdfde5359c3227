package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/goccy/go-json"
)

// Response mirrors the service's JSON envelope.
type Response struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Errors  []upload.FileError `json:"errors"`
}

type MediaClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	out     io.Writer
}

func NewMediaClient(baseURL, apiKey string, timeout time.Duration, out io.Writer) *MediaClient {
	return &MediaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		out:     out,
	}
}

// Upload streams the files as one multipart request. The body is written
// while it is sent so large videos are never held in memory.
func (mc *MediaClient) Upload(ctx context.Context, ref media.EntityRef, title string, tags []string, paths []string) (*Response, int, error) {
	endpoint := mc.baseURL + "/api/media"
	if ref.Kind == media.EntityPress {
		endpoint = mc.baseURL + "/api/press/" + url.PathEscape(ref.ID) + "/attachments"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(mc.writeForm(mw, title, tags, paths))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return mc.do(req)
}

func (mc *MediaClient) writeForm(mw *multipart.Writer, title string, tags []string, paths []string) error {
	if title != "" {
		if err := mw.WriteField("title", title); err != nil {
			return err
		}
	}
	if len(tags) > 0 {
		if err := mw.WriteField("tags", strings.Join(tags, ",")); err != nil {
			return err
		}
	}
	for _, p := range paths {
		if err := mc.writeFile(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (mc *MediaClient) writeFile(mw *multipart.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, info.Name()))
	h.Set("Content-Type", detectContentType(path))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	buffer := make([]byte, 64*1024)
	totalSent := int64(0)
	for {
		n, err := file.Read(buffer)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		if _, err := part.Write(buffer[:n]); err != nil {
			return fmt.Errorf("failed to send chunk: %w", err)
		}
		totalSent += int64(n)
		if info.Size() > 0 {
			fmt.Fprintf(mc.out, "\rUploading %s: %.2f%%", info.Name(), float64(totalSent)/float64(info.Size())*100)
		}
	}
	fmt.Fprintln(mc.out)
	return nil
}

func (mc *MediaClient) Get(ctx context.Context, id string) (*Response, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mc.baseURL+"/api/media/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, 0, err
	}
	return mc.do(req)
}

func (mc *MediaClient) List(ctx context.Context, ref media.EntityRef) (*Response, int, error) {
	q := url.Values{}
	q.Set("entity_kind", string(ref.Kind))
	if ref.ID != "" {
		q.Set("entity_id", ref.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mc.baseURL+"/api/media?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	return mc.do(req)
}

func (mc *MediaClient) Delete(ctx context.Context, id string) (*Response, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, mc.baseURL+"/api/media/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, 0, err
	}
	return mc.do(req)
}

func (mc *MediaClient) do(req *http.Request) (*Response, int, error) {
	if mc.apiKey != "" {
		req.Header.Set("X-API-Key", mc.apiKey)
	}
	resp, err := mc.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	return &body, resp.StatusCode, nil
}

// detectContentType guesses the MIME type from the file extension.
func detectContentType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return "application/octet-stream"
}
