package coordinator

import (
	"context"
	"fmt"
	"time"

	"fundingflow/archive"
	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/storage"
)

// Backfill walks each active contract from its watermark to the most recent
// settled boundary in bounded windows. The request cursor lives for one run
// only; the persisted watermark moves only when rows were actually written,
// so a crash or partial failure re-covers ground instead of skipping it.
type Backfill struct {
	store    storage.Store
	registry *Registry
	adapter  exchange.Adapter
	cfg      config.BackfillConfig
	sink     archive.Sink
	log      *logger.Log

	now func() time.Time
}

func NewBackfill(store storage.Store, registry *Registry, adapter exchange.Adapter, cfg config.BackfillConfig, sink archive.Sink) *Backfill {
	return &Backfill{
		store:    store,
		registry: registry,
		adapter:  adapter,
		cfg:      cfg,
		sink:     sink,
		log:      logger.Named(adapter.ID()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (b *Backfill) Run(ctx context.Context) error {
	exchangeID := b.adapter.ID()
	log := b.log.WithComponent("backfill").WithFields(logger.Fields{"exchange": exchangeID})

	contracts := b.registry.Active(exchangeID)
	if len(contracts) == 0 {
		log.Debug("no active contracts, nothing to backfill")
		return nil
	}

	var failed int
	var firstErr error
	totalPoints := 0
	for _, contract := range contracts {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := b.backfillContract(ctx, contract)
		totalPoints += n
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			log.WithFields(logger.Fields{"contract": contract.String()}).WithError(err).Warn("contract backfill failed")
		}
	}

	log.WithFields(logger.Fields{
		"contracts": len(contracts),
		"failed":    failed,
		"points":    totalPoints,
	}).Info("backfill run completed")

	if failed > 0 {
		return fmt.Errorf("backfill %s: %d/%d contracts failed: %w", exchangeID, failed, len(contracts), firstErr)
	}
	return nil
}

// backfillContract returns the number of points written for the contract.
func (b *Backfill) backfillContract(ctx context.Context, contract models.Contract) (int, error) {
	interval := contract.FundingInterval()
	now := b.now()

	horizon := models.LastBoundary(now.Add(-b.cfg.LookbackHorizon), interval)
	target := models.LastBoundary(now, interval)

	cursor := horizon
	wm, ok, err := b.store.ReadWatermark(ctx, contract.ID)
	if err != nil {
		return 0, err
	}
	switch {
	case ok && wm.After(cursor):
		cursor = wm
	case ok && wm.Before(horizon):
		// ground between the watermark and the horizon stays unfetched
		b.log.WithComponent("backfill").WithFields(logger.Fields{
			"contract":  contract.String(),
			"watermark": wm,
			"horizon":   horizon,
		}).Warn("watermark older than lookback horizon, resuming from horizon")
	}
	if !cursor.Before(target) {
		return 0, nil
	}

	batch := b.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	window := interval * time.Duration(batch)

	written := 0
	for cursor.Before(target) {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		windowEnd := cursor.Add(window)
		if windowEnd.After(target) {
			windowEnd = target
		}

		points, err := b.adapter.FetchHistory(ctx, contract, cursor, windowEnd)
		if err != nil {
			return written, err
		}

		if len(points) > 0 {
			inserted, err := b.store.UpsertPoints(ctx, points)
			if err != nil {
				return written, err
			}
			written += inserted
			logger.IncrementHistoricalPoints(contract.Exchange, inserted)
			b.enqueue(contract, points)

			// watermark tracks confirmed writes, not request progress
			maxTS := points[0].Timestamp
			for _, p := range points[1:] {
				if p.Timestamp.After(maxTS) {
					maxTS = p.Timestamp
				}
			}
			if err := b.store.WriteWatermark(ctx, contract.ID, maxTS); err != nil {
				return written, err
			}
		}

		cursor = windowEnd
	}

	return written, nil
}

func (b *Backfill) enqueue(contract models.Contract, points []models.FundingRatePoint) {
	if b.sink == nil {
		return
	}
	for _, p := range points {
		b.sink.Enqueue(archive.Record{
			Exchange:  contract.Exchange,
			Base:      contract.BaseAsset,
			Quote:     contract.QuoteAsset,
			Timestamp: p.Timestamp,
			Rate:      p.Rate.String(),
			Source:    string(p.Source),
		})
	}
}
