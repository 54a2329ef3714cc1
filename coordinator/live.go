package coordinator

import (
	"context"

	"github.com/google/uuid"

	"fundingflow/archive"
	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/storage"
)

// Live collects the current funding rate for every active contract in
// batches. Live points land at the upcoming settlement boundary; a later
// backfill of the same boundary is a no-op, so the two paths never fight
// over a row.
//
// Logging goes through the "<exchange>.live" named logger so the live sweep
// can be debugged independently of the rest of an exchange's jobs.
type Live struct {
	store    storage.Store
	registry *Registry
	adapter  exchange.Adapter
	cfg      config.LiveConfig
	sink     archive.Sink
	log      *logger.Log
}

func NewLive(store storage.Store, registry *Registry, adapter exchange.Adapter, cfg config.LiveConfig, sink archive.Sink) *Live {
	return &Live{
		store:    store,
		registry: registry,
		adapter:  adapter,
		cfg:      cfg,
		sink:     sink,
		log:      logger.Named(adapter.ID() + ".live"),
	}
}

func (l *Live) Run(ctx context.Context) error {
	exchangeID := l.adapter.ID()
	log := l.log.WithComponent("live_collector").WithFields(logger.Fields{"exchange": exchangeID})

	contracts := l.registry.Active(exchangeID)
	if len(contracts) == 0 {
		log.Debug("no active contracts, nothing to collect")
		return nil
	}

	byID := make(map[uuid.UUID]models.Contract, len(contracts))
	for _, c := range contracts {
		byID[c.ID] = c
	}

	batch := l.cfg.BatchSize
	if batch <= 0 || batch > len(contracts) {
		batch = len(contracts)
	}

	total := 0
	for start := 0; start < len(contracts); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + batch
		if end > len(contracts) {
			end = len(contracts)
		}

		points, err := l.adapter.FetchLive(ctx, contracts[start:end])
		if err != nil {
			return err
		}
		if len(points) == 0 {
			continue
		}

		inserted, err := l.store.UpsertPoints(ctx, points)
		if err != nil {
			return err
		}
		total += inserted
		logger.IncrementLivePoints(exchangeID, inserted)

		for _, p := range points {
			contract, ok := byID[p.ContractID]
			if !ok {
				continue
			}
			l.advanceWatermark(ctx, contract, p)
			if l.sink != nil {
				l.sink.Enqueue(archive.Record{
					Exchange:  contract.Exchange,
					Base:      contract.BaseAsset,
					Quote:     contract.QuoteAsset,
					Timestamp: p.Timestamp,
					Rate:      p.Rate.String(),
					Source:    string(p.Source),
				})
			}
		}
	}

	l.log.WithComponent("live_collector").WithFields(logger.Fields{
		"exchange":  exchangeID,
		"contracts": len(contracts),
		"inserted":  total,
	}).Debug("live collection completed")

	return nil
}

// advanceWatermark moves the watermark to a live point's boundary only when
// no settled boundary between the current watermark and the point would be
// skipped. Anything else stays backfill's job.
func (l *Live) advanceWatermark(ctx context.Context, contract models.Contract, p models.FundingRatePoint) {
	wm, ok, err := l.store.ReadWatermark(ctx, contract.ID)
	if err != nil || !ok {
		return
	}
	if wm.Before(p.Timestamp.Add(-contract.FundingInterval())) {
		return
	}
	if err := l.store.WriteWatermark(ctx, contract.ID, p.Timestamp); err != nil {
		l.log.WithComponent("live_collector").WithFields(logger.Fields{
			"contract": contract.String(),
		}).WithError(err).Warn("failed to advance watermark")
	}
}
