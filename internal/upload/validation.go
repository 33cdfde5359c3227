package upload

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/go-playground/validator/v10"
)

func (o *Orchestrator) validateBatch(files []*staging.StagedFile, meta Metadata) error {
	if len(files) == 0 {
		return &ValidationError{Field: "files", Reason: "at least one file is required"}
	}
	if len(files) > o.cfg.MaxFiles {
		return &ValidationError{Field: "files", Reason: fmt.Sprintf("at most %d files per request", o.cfg.MaxFiles)}
	}
	if err := o.validate.Struct(meta); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: strings.ToLower(fe.Field()), Reason: "failed " + fe.Tag() + " check"}
		}
		return &ValidationError{Reason: "invalid metadata"}
	}
	return nil
}

// prevalidate classifies one staged file and checks it against the per-kind
// size caps and its sniffed content.
func (o *Orchestrator) prevalidate(sf *staging.StagedFile) (media.Kind, error) {
	kind, err := gateway.Classify(sf.Name, sf.MIMEType)
	if err != nil {
		return "", &ValidationError{Field: "file", Reason: "has an unsupported type"}
	}
	if sf.Size <= 0 {
		return kind, &ValidationError{Field: "file", Reason: "is empty"}
	}

	limit := o.cfg.MaxImageBytes
	if kind == media.KindVideo {
		limit = o.cfg.MaxVideoBytes
	}
	if sf.Size > limit {
		return kind, &ValidationError{Field: "file", Reason: fmt.Sprintf("exceeds the %s %s limit", humanBytes(limit), kind)}
	}

	detected, err := o.staging.Sniff(sf)
	if err != nil {
		return kind, err
	}
	if !isContentTypeMatch(kind, detected) {
		return kind, &ValidationError{Field: "file", Reason: "content does not match its " + string(kind) + " extension"}
	}
	return kind, nil
}

// isContentTypeMatch only fails when sniffing positively identified another
// media class. Unrecognised content (svg, mkv, mov) passes.
func isContentTypeMatch(kind media.Kind, detected string) bool {
	base, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return true
	}
	prefix, _, _ := strings.Cut(base, "/")
	switch prefix {
	case "image", "video":
		return prefix == string(kind)
	default:
		return true
	}
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d byte", n)
	}
}
