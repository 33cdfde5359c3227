package upload

import (
	"fmt"
	"net/http"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
)

// Metadata applies to every file of a batch.
type Metadata struct {
	Entity    media.EntityRef
	Title     string   `validate:"max=200"`
	Tags      []string `validate:"max=20,dive,max=50"`
	RequestID string
}

type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// Outcome is the result for one input file, at the same index as the input.
type Outcome struct {
	Index    int
	Filename string
	Kind     media.Kind
	Status   Status
	Record   *media.MediaRecord
	Asset    *media.RemoteAsset
	Reason   string
	Err      error
}

type BatchResult struct {
	RequestID string
	Outcomes  []Outcome
	Records   []media.MediaRecord
	Status    int
}

// FileError is the client-facing description of a file that was not saved.
type FileError struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// Errors lists every non-uploaded outcome in input order.
func (r *BatchResult) Errors() []FileError {
	var out []FileError
	for _, o := range r.Outcomes {
		if o.Status == StatusUploaded {
			continue
		}
		out = append(out, FileError{Filename: o.Filename, Reason: o.Reason})
	}
	return out
}

// Succeeded reports whether at least one record was persisted.
func (r *BatchResult) Succeeded() bool {
	return r.Status == http.StatusCreated
}

func (r *BatchResult) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// ValidationError rejects a request or a single file before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) PublicReason() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}
