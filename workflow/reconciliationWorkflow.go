package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/metrics"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type SweepResult struct {
	Found    int `json:"found"`
	Resynced int `json:"resynced"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// SweepPending re-runs syncs whose pending claim outlived olderThan, usually
// because the process holding the claim died mid-call. Each resync takes the
// stale claim over, so a sweep racing a live sync loses with AlreadyInProgress
// and is counted as skipped.
func (s *Syncer) SweepPending(ctx context.Context, provider models.Provider, olderThan time.Duration, concurrency int) (SweepResult, error) {
	var result SweepResult
	if olderThan <= 0 {
		olderThan = s.staleAfter
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	refs, err := s.refs.ListPending(ctx, provider, olderThan)
	if err != nil {
		config.LogError(s.logger, "reconciliationWorkflow.go", "SweepPending", "listing pending references", provider, err)
		return result, err
	}
	result.Found = len(refs)
	metrics.PendingReferences.WithLabelValues(string(provider)).Set(float64(len(refs)))

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range refs {
		ref := refs[i]
		g.Go(func() error {
			outcome, err := s.resyncReference(gctx, ref)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "resynced":
				result.Resynced++
			case "skipped":
				result.Skipped++
			default:
				result.Failed++
				errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", ref.LocalEntityType, ref.LocalEntityId, err))
			}
			// Per-reference failures never cancel the rest of the sweep.
			return nil
		})
	}
	_ = g.Wait()

	s.logger.WithFields(logrus.Fields{
		"provider": provider,
		"found":    result.Found,
		"resynced": result.Resynced,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
	}).Info("pending sweep finished")
	return result, errs
}

func (s *Syncer) resyncReference(ctx context.Context, ref models.ExternalReference) (string, error) {
	ctx = utils.SetGcAccountIdInContext(ctx, ref.GcAccountId)
	s.appendLog(ctx, &ref, models.SyncActionSweep, nil, nil, nil)

	entity, err := s.entities.Load(ctx, ref.LocalEntityType, ref.LocalEntityId)
	if errors.Is(err, utils.ErrNotFound) {
		msg := "local record no longer exists"
		_, uerr := s.refs.Upsert(ctx, models.UpsertInput{
			GcAccountId:     ref.GcAccountId,
			Provider:        ref.Provider,
			EntityType:      ref.LocalEntityType,
			EntityId:        ref.LocalEntityId,
			Status:          models.SyncStatusError,
			ErrorMessage:    &msg,
			SourceUpdatedAt: time.UnixMilli(ref.SourceUpdatedAtMs),
		})
		if uerr != nil {
			return "failed", uerr
		}
		return "failed", err
	}
	if err != nil {
		return "failed", err
	}

	_, err = s.SyncEntity(ctx, *entity, ref.Provider)
	switch {
	case err == nil:
		return "resynced", nil
	case errors.Is(err, utils.ErrAlreadyInProgress), errors.Is(err, utils.ErrReconciliationConflict):
		return "skipped", nil
	}
	return "failed", err
}
