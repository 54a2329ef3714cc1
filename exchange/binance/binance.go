// Package binance adapts Binance USD-M perpetual futures to the adapter
// protocol using the go-binance futures client.
package binance

import (
	"context"
	"fmt"
	"net/url"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
)

const ExchangeID = "binance"

// Binance mixes funding intervals per contract (1h to 8h). The funding-info
// endpoint lists only the contracts that deviate from the 8h default.
const defaultFundingIntervalHours = 8

// Binance caps the funding-rate history endpoint at 1000 rows per call.
const historyPageLimit = 1000

type Binance struct {
	client    *futures.Client
	transport *exchange.Client
	baseURL   string
	log       *logger.Log
}

type fundingInfoEntry struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
}

func New(cfg *config.Config) *Binance {
	src := cfg.Source.Binance

	client := futures.NewClient("", "")
	client.HTTPClient = exchange.NewHTTPClient(src, cfg.Adapter.Timeout)

	base := "https://fapi.binance.com"
	if src.URL != "" {
		if parsed, err := url.Parse(src.URL); err == nil && parsed.Host != "" {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}
	client.SetApiEndpoint(base)

	b := &Binance{
		client:    client,
		transport: exchange.NewClient(ExchangeID, src, cfg.Adapter),
		baseURL:   base,
		log:       logger.Named(ExchangeID),
	}

	b.log.WithComponent("binance_adapter").WithFields(logger.Fields{
		"endpoint": base,
		"timeout":  cfg.Adapter.Timeout,
	}).Info("binance adapter initialized")

	return b
}

func (b *Binance) ID() string { return ExchangeID }

func symbol(c models.Contract) string {
	return c.BaseAsset + c.QuoteAsset
}

func (b *Binance) ListContracts(ctx context.Context) ([]models.ContractInfo, error) {
	var info *futures.ExchangeInfo
	err := b.transport.Do(ctx, "list_contracts", func(ctx context.Context) (bool, error) {
		res, err := b.client.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return true, err
		}
		info = res
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	intervals := b.fundingIntervals(ctx)

	contracts := make([]models.ContractInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" {
			continue
		}
		hours, ok := intervals[s.Symbol]
		if !ok {
			hours = defaultFundingIntervalHours
		}
		contracts = append(contracts, models.ContractInfo{
			BaseAsset:            s.BaseAsset,
			QuoteAsset:           s.QuoteAsset,
			FundingIntervalHours: hours,
		})
	}

	b.log.WithComponent("binance_adapter").WithFields(logger.Fields{
		"contracts": len(contracts),
	}).Debug("fetched contract listing")

	return contracts, nil
}

// fundingIntervals fetches the per-symbol funding cadence overrides. The
// endpoint is not part of the SDK surface; a failure only means every
// contract falls back to the 8h default, so it is logged and swallowed.
func (b *Binance) fundingIntervals(ctx context.Context) map[string]int {
	var entries []fundingInfoEntry
	endpoint := b.baseURL + "/fapi/v1/fundingInfo"
	if err := b.transport.GetJSON(ctx, "funding_info", endpoint, &entries); err != nil {
		b.log.WithComponent("binance_adapter").WithError(err).Warn("failed to fetch funding intervals, using default")
		return nil
	}

	intervals := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.FundingIntervalHours > 0 {
			intervals[e.Symbol] = e.FundingIntervalHours
		}
	}
	return intervals
}

// fetchHistoryPages walks a capped, oldest-first history endpoint forwards
// until the requested range is covered. A page shorter than limit means the
// range is exhausted, otherwise the next page starts just after the newest
// row already seen.
func fetchHistoryPages(startMs, endMs int64, limit int,
	fetch func(startMs int64) ([]*futures.FundingRate, error)) ([]*futures.FundingRate, error) {

	var rates []*futures.FundingRate
	for startMs <= endMs {
		page, err := fetch(startMs)
		if err != nil {
			return nil, err
		}
		rates = append(rates, page...)
		if len(page) < limit {
			break
		}
		next := page[len(page)-1].FundingTime + 1
		if next <= startMs {
			break
		}
		startMs = next
	}
	return rates, nil
}

func (b *Binance) FetchHistory(ctx context.Context, contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
	sym := symbol(contract)

	rates, err := fetchHistoryPages(since.UnixMilli()+1, until.UnixMilli(), historyPageLimit,
		func(startMs int64) ([]*futures.FundingRate, error) {
			var page []*futures.FundingRate
			err := b.transport.Do(ctx, "fetch_history", func(ctx context.Context) (bool, error) {
				res, err := b.client.NewFundingRateService().
					Symbol(sym).
					StartTime(startMs).
					EndTime(until.UnixMilli()).
					Limit(historyPageLimit).
					Do(ctx)
				if err != nil {
					return true, err
				}
				page = res
				return false, nil
			})
			return page, err
		})
	if err != nil {
		return nil, err
	}

	points := make([]models.FundingRatePoint, 0, len(rates))
	for _, r := range rates {
		rate, err := decimal.NewFromString(r.FundingRate)
		if err != nil {
			return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_history",
				Err: fmt.Errorf("parse rate %q for %s: %w", r.FundingRate, sym, err)}
		}
		points = append(points, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  time.UnixMilli(r.FundingTime).UTC(),
			Rate:       rate,
			Source:     models.SourceHistorical,
		})
	}
	return points, nil
}

func (b *Binance) FetchLive(ctx context.Context, contracts []models.Contract) ([]models.FundingRatePoint, error) {
	var premiums []*futures.PremiumIndex
	err := b.transport.Do(ctx, "fetch_live", func(ctx context.Context) (bool, error) {
		res, err := b.client.NewPremiumIndexService().Do(ctx)
		if err != nil {
			return true, err
		}
		premiums = res
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]models.Contract, len(contracts))
	for _, c := range contracts {
		bySymbol[symbol(c)] = c
	}

	now := time.Now().UTC()
	points := make([]models.FundingRatePoint, 0, len(contracts))
	for _, p := range premiums {
		contract, ok := bySymbol[p.Symbol]
		if !ok {
			continue
		}
		rate, err := decimal.NewFromString(p.LastFundingRate)
		if err != nil {
			b.log.WithComponent("binance_adapter").WithFields(logger.Fields{
				"symbol": p.Symbol,
			}).WithError(err).Warn("skipping unparseable live rate")
			continue
		}

		ts := models.NextBoundary(now, contract.FundingInterval())
		if p.NextFundingTime > 0 {
			ts = time.UnixMilli(p.NextFundingTime).UTC()
		}
		points = append(points, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  ts,
			Rate:       rate,
			Source:     models.SourceLive,
		})
	}
	return points, nil
}
