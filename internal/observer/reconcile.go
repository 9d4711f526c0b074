package observer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/models"
	"github.com/georgeji/record-observer/internal/source"
)

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	Start   time.Time
	End     time.Time
	Updated int
	Deleted int
	// SkippedUpdates/SkippedDeletes are set when a channel was still in backoff.
	SkippedUpdates bool
	SkippedDeletes bool
	Err            error
}

// Reconcile runs one cycle: scan both channels from the safe start, publish
// update events followed by delete events, then advance each successful
// channel's watermark to the time its own scan was issued. Cycles are serialized. A failed
// channel keeps its watermark and does not affect the other channel.
func (o *Observer) Reconcile(ctx context.Context) CycleResult {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	now := o.cfg.Clock.Now()
	res := CycleResult{
		Start: o.tracker.SafeStart(),
		End:   now.Add(o.cfg.EndSkew),
	}

	var (
		updated                   *source.UpdatedResult
		deleted                   *source.DeletedResult
		updateErr, deleteErr      error
		updatesIssued, delsIssued time.Time
	)

	var wg conc.WaitGroup
	if o.updates.ready(now) {
		wg.Go(func() {
			updatesIssued = o.cfg.Clock.Now()
			scanCtx, cancel := context.WithTimeout(ctx, o.cfg.ScanTimeout)
			defer cancel()
			updated, updateErr = o.src.ListUpdated(scanCtx, o.cfg.EntityName, res.Start, res.End)
		})
	} else {
		res.SkippedUpdates = true
	}
	if o.deletes.ready(now) {
		wg.Go(func() {
			delsIssued = o.cfg.Clock.Now()
			scanCtx, cancel := context.WithTimeout(ctx, o.cfg.ScanTimeout)
			defer cancel()
			deleted, deleteErr = o.src.ListDeleted(scanCtx, o.cfg.EntityName, res.Start, res.End)
		})
	} else {
		res.SkippedDeletes = true
	}
	wg.Wait()

	events := make([]models.ChangeEvent, 0)
	updatesOK, deletesOK := false, false

	if !res.SkippedUpdates {
		if updateErr != nil {
			updateErr = o.scanFailed(o.updates, models.ChangeUpdate, res, updateErr)
		} else {
			o.updates.succeed()
			updatesOK = true
			for _, id := range updated.IDs {
				events = append(events, models.NewUpdateEvent(o.cfg.EntityName, id))
			}
			res.Updated = len(updated.IDs)
		}
	}

	if !res.SkippedDeletes {
		if deleteErr != nil {
			deleteErr = o.scanFailed(o.deletes, models.ChangeDelete, res, deleteErr)
		} else {
			o.deletes.succeed()
			deletesOK = true
			for _, rec := range deleted.Records {
				events = append(events, models.NewDeleteEvent(o.cfg.EntityName, rec))
			}
			res.Deleted = len(deleted.Records)
		}
	}

	res.Err = multierr.Combine(updateErr, deleteErr)

	// 发布成功后才推进水位，否则下一轮重扫同一窗口
	if err := o.broadcaster.Publish(ctx, events...); err != nil {
		o.logger.Warn("publish change events failed, watermarks held",
			zap.Int("count", len(events)),
			zap.Error(err),
		)
		res.Err = multierr.Append(res.Err, err)
		updatesOK, deletesOK = false, false
	}
	if updatesOK {
		if err := o.tracker.AdvanceUpdates(updatesIssued); err != nil {
			o.logger.Warn("advance updates watermark failed", zap.Error(err))
		}
	}
	if deletesOK {
		if err := o.tracker.AdvanceDeletes(delsIssued); err != nil {
			o.logger.Warn("advance deletes watermark failed", zap.Error(err))
		}
	}

	o.statusMu.Lock()
	o.cycles++
	o.lastCycleAt = now
	o.updateFailures = o.updates.failures
	o.deleteFailures = o.deletes.failures
	o.statusMu.Unlock()

	o.logger.Debug("reconcile cycle done",
		zap.Time("start", res.Start),
		zap.Time("end", res.End),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Bool("skipped_updates", res.SkippedUpdates),
		zap.Bool("skipped_deletes", res.SkippedDeletes),
	)
	return res
}

func (o *Observer) scanFailed(ch *channelState, kind models.ChangeType, res CycleResult, err error) error {
	scanErr := &ScanError{Kind: kind, Start: res.Start, End: res.End, Err: err}
	retryIn := ch.fail(o.cfg.Clock.Now())
	o.logger.Error("scan failed",
		zap.String("kind", string(kind)),
		zap.Time("start", res.Start),
		zap.Time("end", res.End),
		zap.Int("consecutive_failures", ch.failures),
		zap.Duration("retry_in", retryIn),
		zap.Error(err),
	)
	o.report(scanErr)
	return scanErr
}

// channelState tracks consecutive failures of one scan channel and, when
// backoff is enabled, the earliest time it may be scanned again.
type channelState struct {
	backoff  *backoff.ExponentialBackOff
	retryAt  time.Time
	failures int
}

func newChannelState(cfg BackoffConfig) *channelState {
	ch := &channelState{}
	if cfg.Enabled {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval
		b.MaxElapsedTime = 0
		b.Reset()
		ch.backoff = b
	}
	return ch
}

func (c *channelState) ready(now time.Time) bool {
	return c.retryAt.IsZero() || !now.Before(c.retryAt)
}

// fail records a failure and returns the backoff delay, zero when disabled.
func (c *channelState) fail(now time.Time) time.Duration {
	c.failures++
	if c.backoff == nil {
		return 0
	}
	d := c.backoff.NextBackOff()
	if d == backoff.Stop {
		d = c.backoff.MaxInterval
	}
	c.retryAt = now.Add(d)
	return d
}

func (c *channelState) succeed() {
	c.failures = 0
	c.retryAt = time.Time{}
	if c.backoff != nil {
		c.backoff.Reset()
	}
}
