package observer

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/georgeji/record-observer/internal/source"
)

const (
	resubscribeInitialInterval = time.Second
	resubscribeMaxInterval     = time.Minute
)

// superviseLive watches the live subscription. When it ends the failure is
// reported and the observer resubscribes with backoff; polling keeps running
// meanwhile.
func (o *Observer) superviseLive(sub source.Subscription) {
	defer o.wg.Done()

	for {
		select {
		case <-o.runCtx.Done():
			if err := sub.Close(); err != nil {
				o.logger.Warn("close live subscription failed", zap.Error(err))
			}
			return
		case <-sub.Done():
		}

		o.setLive(false)
		o.report(fmt.Errorf("%w: topic %s: %v", ErrLiveSubscription, o.topic, sub.Err()))
		o.logger.Warn("live subscription ended, polling continues",
			zap.String("topic", o.topic),
			zap.Error(sub.Err()),
		)
		o.notifyStatus()

		next, ok := o.resubscribe()
		if !ok {
			return
		}
		sub = next
		o.setLive(true)
		o.logger.Info("live subscription restored", zap.String("topic", o.topic))
		o.notifyStatus()
	}
}

// resubscribe retries SubscribeLive until it succeeds or the observer stops.
func (o *Observer) resubscribe() (source.Subscription, bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = resubscribeInitialInterval
	b.MaxInterval = resubscribeMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		wait := b.NextBackOff()
		select {
		case <-o.runCtx.Done():
			return nil, false
		case <-o.cfg.Clock.After(wait):
		}

		sub, err := o.src.SubscribeLive(o.runCtx, o.topic, o.onLiveMessage)
		if err == nil {
			return sub, true
		}
		o.report(fmt.Errorf("%w: topic %s: %w", ErrLiveSubscription, o.topic, err))
		o.logger.Warn("resubscribe failed",
			zap.String("topic", o.topic),
			zap.Duration("waited", wait),
			zap.Error(err),
		)
	}
}
