package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/PaulBabatuyi/CampaignMedia/internal/cleanup"
	"github.com/PaulBabatuyi/CampaignMedia/internal/gateway"
	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"github.com/PaulBabatuyi/CampaignMedia/internal/publicid"
	"github.com/PaulBabatuyi/CampaignMedia/internal/staging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fileTask is the per-file state of one batch. Each task only touches its own
// outcome slot and cleanup entry.
type fileTask struct {
	index   int
	file    *staging.StagedFile
	kind    media.Kind
	entry   *cleanup.Entry
	draft   *media.Draft
	outcome *Outcome
	// reserved is the public id this task holds a reservation for.
	reserved string
}

// Process uploads every staged file of one request. The staged files are owned
// by Process from here on: whatever happens, none of them survives the call and
// no remote asset is left without a persisted record.
//
// The returned error is non-nil only when the request as a whole was rejected;
// the result is always populated.
func (o *Orchestrator) Process(ctx context.Context, files []*staging.StagedFile, meta Metadata) (*BatchResult, error) {
	if meta.RequestID == "" {
		meta.RequestID = uuid.New().String()
	}
	logger := o.logger.With(zap.String("request_id", meta.RequestID))

	ctx, span := o.tracer.Start(ctx, "upload.Process")
	span.SetAttributes(attribute.Int("files", len(files)), attribute.String("entity", string(meta.Entity.Kind)))
	defer span.End()

	coord := cleanup.New(o.staging, o.gateway, o.journal, logger, cleanup.Options{RollbackAttempts: o.cfg.RollbackAttempts})
	result := &BatchResult{RequestID: meta.RequestID, Outcomes: make([]Outcome, len(files))}

	tasks := make([]*fileTask, len(files))
	for i, sf := range files {
		result.Outcomes[i] = Outcome{Index: i, Filename: sf.Name}
		entry, err := coord.Register(sf)
		if err != nil {
			// Unreachable before Finalize; the file is still released below.
			logger.Error("register staged file", zap.Error(err))
		}
		tasks[i] = &fileTask{index: i, file: sf, entry: entry, outcome: &result.Outcomes[i]}
	}

	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
		defer cancel()
		for _, t := range tasks {
			if t.entry == nil {
				if err := o.staging.Release(t.file); err != nil {
					logger.Error("release unregistered staged file", zap.String("file", t.file.Name), zap.Error(err))
				}
			}
		}
		report := coord.Finalize(fctx)
		if !report.Clean() {
			span.SetStatus(codes.Error, "cleanup left resources behind")
		}
		observability.BatchResults.WithLabelValues(fmt.Sprint(result.Status)).Inc()
		logger.Info("upload batch finished",
			zap.Int("status", result.Status),
			zap.Int("uploaded", result.count(StatusUploaded)),
			zap.Int("failed", result.count(StatusFailed)),
			zap.Int("rejected", result.count(StatusRejected)),
			zap.Int("rolled_back", report.RolledBack),
			zap.Int("journaled", report.Journaled),
		)
	}()

	if err := o.validateBatch(files, meta); err != nil {
		for _, t := range tasks {
			o.reject(coord, t, err)
		}
		result.Status = http.StatusBadRequest
		return result, err
	}

	var pending []*fileTask
	for _, t := range tasks {
		kind, err := o.prevalidate(t.file)
		t.kind = kind
		t.outcome.Kind = kind
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				o.reject(coord, t, err)
			} else {
				o.fail(coord, t, err, logger)
			}
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		result.Status = http.StatusBadRequest
		if result.count(StatusFailed) > 0 {
			result.Status = http.StatusInternalServerError
		}
		return result, nil
	}

	// Remote calls outlive an aborted request; the gateway timeout still bounds them.
	remoteCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, t := range pending {
		g.Go(func() error {
			o.runFile(remoteCtx, coord, t, meta, logger)
			return nil
		})
	}
	_ = g.Wait()

	o.persist(ctx, coord, tasks, logger, result)
	return result, nil
}

// runFile moves one file through upload, thumbnail and record building. A
// panic is recovered into a failed outcome; the coordinator still owns the file.
func (o *Orchestrator) runFile(ctx context.Context, coord *cleanup.Coordinator, t *fileTask, meta Metadata, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in upload task", zap.String("file", t.file.Name), zap.Any("panic", r), zap.Stack("stack"))
			err := fmt.Errorf("upload task panicked: %v", r)
			switch t.entry.State() {
			case cleanup.StateStaged:
				_ = coord.MarkFailed(t.entry, err)
			case cleanup.StateTransferred:
				if rerr := coord.Rollback(ctx, t.entry, "task panicked"); rerr != nil {
					logger.Error("rollback after panic", zap.Error(rerr))
				}
			}
			o.releaseReservation(ctx, t, logger)
			t.draft = nil
			t.outcome.Status = StatusFailed
			t.outcome.Reason = "internal error"
			t.outcome.Err = err
		}
	}()

	ctx, span := o.tracer.Start(ctx, "upload.File")
	span.SetAttributes(attribute.String("file", t.file.Name), attribute.String("kind", string(t.kind)))
	defer span.End()

	folder := meta.Entity.Folder(o.cfg.FolderRoot)
	req := gateway.UploadRequest{
		File:     t.file,
		Folder:   folder,
		PublicID: gateway.PublicIDFor(t.file),
		Kind:     t.kind,
		Tags:     media.NormalizeTags(meta.Tags),
	}

	if o.reserver != nil {
		if err := o.reserver.Reserve(ctx, req.FullID()); err != nil {
			if errors.Is(err, publicid.ErrTaken) {
				err = &gateway.UploadError{Cause: gateway.CauseConflict, Err: err}
			}
			o.fail(coord, t, err, logger)
			return
		}
		t.reserved = req.FullID()
	}

	asset, err := o.transfer(ctx, req)
	if err != nil {
		span.RecordError(err)
		o.fail(coord, t, err, logger)
		o.releaseReservation(ctx, t, logger)
		return
	}
	if err := coord.MarkTransferred(t.entry, asset); err != nil {
		logger.Error("mark transferred", zap.Error(err))
	}
	t.outcome.Asset = asset

	var thumb string
	if asset.Kind == media.KindVideo {
		thumb, err = o.gateway.DeriveThumbnail(ctx, asset)
		if err != nil {
			observability.ThumbnailFailures.Inc()
			logger.Warn("thumbnail derivation failed, continuing without it",
				zap.String("public_id", asset.PublicID), zap.Error(err))
			thumb = ""
		}
	}

	draft, err := o.builder.Build(media.BuildInput{
		Filename:     t.file.Name,
		MIMEType:     t.file.MIMEType,
		Asset:        asset,
		ThumbnailURL: thumb,
		Title:        meta.Title,
		Tags:         meta.Tags,
		Entity:       meta.Entity,
	})
	if err != nil {
		if rerr := coord.Rollback(ctx, t.entry, "record build failed"); rerr != nil {
			logger.Error("rollback after build failure", zap.Error(rerr))
		}
		o.releaseReservation(ctx, t, logger)
		t.outcome.Status = StatusFailed
		t.outcome.Reason = media.PublicReason(err)
		t.outcome.Err = err
		observability.UploadOutcomes.WithLabelValues(string(t.kind), string(StatusFailed)).Inc()
		return
	}
	t.draft = draft
}

// transfer uploads one file while holding a slot of the process-wide limit.
func (o *Orchestrator) transfer(ctx context.Context, req gateway.UploadRequest) (*media.RemoteAsset, error) {
	if err := o.uploadSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.uploadSem.Release(1)
	return o.gateway.Upload(ctx, req)
}

// persist saves every built draft in one pass. A persistence failure rolls
// back every remote asset of the batch.
func (o *Orchestrator) persist(ctx context.Context, coord *cleanup.Coordinator, tasks []*fileTask, logger *zap.Logger, result *BatchResult) {
	var ready []*fileTask
	for _, t := range tasks {
		if t.draft != nil && t.outcome.Status == "" {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		result.Status = http.StatusInternalServerError
		return
	}

	now := o.now()
	records := make([]media.MediaRecord, len(ready))
	for i, t := range ready {
		records[i] = t.draft.Record(now)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	if err := o.saveRecords(pctx, records, logger); err != nil {
		logger.Error("persisting batch failed, rolling back remote assets", zap.Error(err))
		if rerr := coord.RollbackAll(pctx, "persistence failed"); rerr != nil {
			logger.Error("rollback after persistence failure", zap.Error(rerr))
		}
		for _, t := range ready {
			o.releaseReservation(pctx, t, logger)
			t.outcome.Status = StatusFailed
			t.outcome.Reason = media.PublicReason(err)
			t.outcome.Err = err
			observability.UploadOutcomes.WithLabelValues(string(t.kind), string(StatusFailed)).Inc()
		}
		result.Status = http.StatusInternalServerError
		return
	}

	for i, t := range ready {
		if err := coord.Commit(t.entry); err != nil {
			logger.Error("commit cleanup entry", zap.Error(err))
		}
		rec := records[i]
		t.outcome.Status = StatusUploaded
		t.outcome.Record = &rec
		observability.UploadOutcomes.WithLabelValues(string(t.kind), string(StatusUploaded)).Inc()
	}
	result.Records = records
	result.Status = http.StatusCreated
}

// saveRecords is all-or-nothing: either every record is stored or none is.
func (o *Orchestrator) saveRecords(ctx context.Context, records []media.MediaRecord, logger *zap.Logger) error {
	if bs, ok := o.store.(BatchSaver); ok {
		return asPersistenceError("save batch", bs.SaveAll(ctx, records))
	}

	for i, rec := range records {
		if err := o.store.Save(ctx, rec); err != nil {
			for _, done := range records[:i] {
				if derr := o.store.DeleteByID(ctx, done.ID); derr != nil {
					logger.Error("compensating delete failed", zap.String("record_id", done.ID), zap.Error(derr))
				}
			}
			return asPersistenceError("save", err)
		}
	}
	return nil
}

func asPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *media.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &media.PersistenceError{Op: op, Err: err}
}

func (o *Orchestrator) reject(coord *cleanup.Coordinator, t *fileTask, err error) {
	if t.entry != nil {
		_ = coord.MarkFailed(t.entry, err)
	}
	t.outcome.Status = StatusRejected
	t.outcome.Reason = media.PublicReason(err)
	t.outcome.Err = err
	observability.UploadOutcomes.WithLabelValues(kindLabel(t.kind), string(StatusRejected)).Inc()
}

func (o *Orchestrator) fail(coord *cleanup.Coordinator, t *fileTask, err error, logger *zap.Logger) {
	if t.entry != nil {
		_ = coord.MarkFailed(t.entry, err)
	}
	t.outcome.Status = StatusFailed
	t.outcome.Reason = media.PublicReason(err)
	t.outcome.Err = err
	observability.UploadOutcomes.WithLabelValues(kindLabel(t.kind), string(StatusFailed)).Inc()
	logger.Warn("file upload failed", zap.String("file", t.file.Name), zap.Error(err))
}

// releaseReservation frees the public id of a task whose asset will not be kept.
func (o *Orchestrator) releaseReservation(ctx context.Context, t *fileTask, logger *zap.Logger) {
	if o.reserver == nil || t.reserved == "" {
		return
	}
	id := t.reserved
	t.reserved = ""
	if err := o.reserver.Release(ctx, id); err != nil {
		logger.Warn("release public id reservation", zap.String("public_id", id), zap.Error(err))
	}
}

func kindLabel(k media.Kind) string {
	if k == "" {
		return "unknown"
	}
	return string(k)
}
