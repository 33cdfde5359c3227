package server

import (
	"errors"
	"net/http"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/upload"
	"github.com/goccy/go-json"
)

// uploadResponse is the body of both upload routes. Data and Errors are
// always present, possibly empty.
type uploadResponse struct {
	Success bool                `json:"success"`
	Data    []media.MediaRecord `json:"data"`
	Errors  []upload.FileError  `json:"errors"`
}

type envelope struct {
	Success bool               `json:"success"`
	Data    any                `json:"data,omitempty"`
	Errors  []upload.FileError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, envelope{
		Success: false,
		Errors:  []upload.FileError{{Reason: reason}},
	})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var verr *upload.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func reasonFor(err error) string {
	if errors.Is(err, media.ErrNotFound) {
		return "media not found"
	}
	return media.PublicReason(err)
}
