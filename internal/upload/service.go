package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/PaulBabatuyi/CampaignMedia/internal/media"
	"go.uber.org/zap"
)

// Get returns one media record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*media.MediaRecord, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	return o.store.Get(ctx, id)
}

// List returns the records attached to an entity.
func (o *Orchestrator) List(ctx context.Context, ref media.EntityRef) ([]media.MediaRecord, error) {
	if err := o.validate.Struct(ref); err != nil {
		return nil, &ValidationError{Field: "entity", Reason: "is invalid"}
	}
	return o.store.ListByEntity(ctx, ref)
}

// Delete removes the remote asset first and then the record. A remote delete
// that fails is journaled for the background retrier so the record can still
// go; without a journal the record is kept and the error returned.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	rec, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	logger := o.logger.With(zap.String("record_id", rec.ID), zap.String("public_id", rec.PublicID))

	if err := o.gateway.Delete(ctx, rec.PublicID, rec.Kind); err != nil {
		if o.journal == nil {
			return fmt.Errorf("delete remote asset: %w", err)
		}
		if jerr := o.journal.Record(context.WithoutCancel(ctx), rec.PublicID, rec.Kind, "record delete: "+err.Error()); jerr != nil {
			return errors.Join(fmt.Errorf("delete remote asset: %w", err), jerr)
		}
		logger.Warn("remote delete failed, journaled for retry", zap.Error(err))
	}

	if err := o.store.DeleteByID(ctx, rec.ID); err != nil {
		return err
	}
	if o.reserver != nil {
		_ = o.reserver.Release(ctx, rec.PublicID)
	}
	logger.Info("media record deleted")
	return nil
}
