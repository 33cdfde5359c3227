package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/middleware"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxFieldBytes = 4 << 10

// requestError aborts a whole upload request.
type requestError struct {
	status int
	reason string
	err    error
}

func (e *requestError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *requestError) Unwrap() error { return e.err }

// part is one file part of the multipart body. Exactly one of file and err is set.
type part struct {
	name string
	file *staging.StagedFile
	err  error
}

type uploadForm struct {
	parts []part
	title string
	tags  []string
}

func (f *uploadForm) staged() []*staging.StagedFile {
	out := make([]*staging.StagedFile, 0, len(f.parts))
	for _, p := range f.parts {
		if p.file != nil {
			out = append(out, p.file)
		}
	}
	return out
}

func (s *Server) uploadGallery(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, media.EntityRef{Kind: media.EntityGallery})
}

func (s *Server) uploadPressAttachments(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, media.EntityRef{Kind: media.EntityPress, ID: chi.URLParam(r, "id")})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ref media.EntityRef) {
	logger := middleware.LoggerFromContext(r.Context(), s.logger)
	requestID := chimiddleware.GetReqID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	form, err := s.readForm(r.Context(), r, requestID)
	if err != nil {
		var rerr *requestError
		if !errors.As(err, &rerr) {
			rerr = &requestError{status: http.StatusInternalServerError, reason: "internal error", err: err}
		}
		logger.Warn("upload request aborted", zap.Int("status", rerr.status), zap.Error(err))
		writeError(w, rerr.status, rerr.reason)
		return
	}

	meta := upload.Metadata{
		Entity:    ref,
		Title:     form.title,
		Tags:      form.tags,
		RequestID: requestID,
	}
	result, procErr := s.media.Process(r.Context(), form.staged(), meta)
	if procErr != nil {
		logger.Info("upload batch rejected", zap.Error(procErr))
	}

	resp := uploadResponse{
		Success: result.Succeeded(),
		Data:    result.Records,
		Errors:  mergeErrors(form.parts, result),
	}
	if resp.Data == nil {
		resp.Data = []media.MediaRecord{}
	}

	status := result.Status
	if procErr == nil && status == http.StatusBadRequest && hasStagingFailure(form.parts) {
		// Some files never reached validation, so the batch did not fail on input alone.
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// readForm streams the multipart body, staging each file part as it
// arrives. On a request level error every file staged so far is released.
func (s *Server) readForm(ctx context.Context, r *http.Request, requestID string) (*uploadForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, &requestError{status: http.StatusBadRequest, reason: "expected a multipart/form-data body", err: err}
	}

	form := &uploadForm{}
	if err := s.readParts(ctx, mr, form, requestID); err != nil {
		s.releaseAll(form.parts)
		return nil, err
	}
	return form, nil
}

func (s *Server) readParts(ctx context.Context, mr *multipart.Reader, form *uploadForm, requestID string) error {
	maxFiles := s.media.Config().MaxFiles
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return bodyError(err)
		}

		switch p.FormName() {
		case "files", "file", "files[]":
			if p.FileName() == "" {
				p.Close()
				continue
			}
			if len(form.parts) >= maxFiles {
				p.Close()
				return &requestError{
					status: http.StatusBadRequest,
					reason: fmt.Sprintf("files at most %d files per request", maxFiles),
				}
			}
			sf, err := s.staging.Stage(ctx, p, p.FileName(), p.Header.Get("Content-Type"), requestID)
			p.Close()
			if err != nil {
				if !isDiskError(err) {
					return bodyError(err)
				}
				form.parts = append(form.parts, part{name: p.FileName(), err: err})
				continue
			}
			form.parts = append(form.parts, part{name: sf.Name, file: sf})
		case "title":
			v, err := readField(p)
			if err != nil {
				return bodyError(err)
			}
			form.title = v
		case "tags", "tags[]":
			v, err := readField(p)
			if err != nil {
				return bodyError(err)
			}
			form.tags = append(form.tags, splitTags(v)...)
		default:
			p.Close()
		}
	}
	return nil
}

func (s *Server) releaseAll(parts []part) {
	for _, p := range parts {
		if p.file == nil {
			continue
		}
		if err := s.staging.Release(p.file); err != nil {
			s.logger.Error("release staged file after aborted request", zap.String("file", p.name), zap.Error(err))
		}
	}
}

// isDiskError separates local disk failures, which only lose one file, from
// body read failures, which abort the request.
func isDiskError(err error) bool {
	var perr *fs.PathError
	return errors.As(err, &perr)
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return &requestError{
			status: http.StatusRequestEntityTooLarge,
			reason: fmt.Sprintf("request body exceeds %d bytes", mbe.Limit),
			err:    err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &requestError{status: http.StatusBadRequest, reason: "request canceled", err: err}
	}
	return &requestError{status: http.StatusBadRequest, reason: "malformed multipart body", err: err}
}

func readField(p *multipart.Part) (string, error) {
	defer p.Close()
	b, err := io.ReadAll(io.LimitReader(p, maxFieldBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func splitTags(v string) []string {
	var tags []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// mergeErrors interleaves staging failures with the batch outcomes so the
// errors follow the order the files were sent in.
func mergeErrors(parts []part, result *upload.BatchResult) []upload.FileError {
	errs := []upload.FileError{}
	next := 0
	for _, p := range parts {
		if p.err != nil {
			errs = append(errs, upload.FileError{Filename: p.name, Reason: media.PublicReason(p.err)})
			continue
		}
		if next >= len(result.Outcomes) {
			continue
		}
		o := result.Outcomes[next]
		next++
		if o.Status != upload.StatusUploaded {
			errs = append(errs, upload.FileError{Filename: o.Filename, Reason: o.Reason})
		}
	}
	return errs
}

func hasStagingFailure(parts []part) bool {
	for _, p := range parts {
		if p.err != nil {
			return true
		}
	}
	return false
}

func (s *Server) getMedia(w http.ResponseWriter, r *http.Request) {
	rec, err := s.media.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: rec})
}

func (s *Server) listMedia(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := media.EntityRef{
		Kind: media.EntityKind(q.Get("entity_kind")),
		ID:   q.Get("entity_id"),
	}
	if ref.Kind == "" {
		ref.Kind = media.EntityGallery
	}
	recs, err := s.media.List(r.Context(), ref)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []media.MediaRecord{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: recs})
}

func (s *Server) deleteMedia(w http.ResponseWriter, r *http.Request) {
	if err := s.media.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context(), s.logger).Error("media request failed", zap.Error(err))
	}
	writeError(w, status, reasonFor(err))
}
