// Package hyperliquid adapts Hyperliquid perpetuals. The exchange exposes a
// single info endpoint that dispatches on a type field in the POST body.
// Every contract is USD-quoted and funds hourly.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
)

const ExchangeID = "hyperliquid"

const defaultBaseURL = "https://api.hyperliquid.xyz"

const fundingIntervalHours = 1

// Hyperliquid caps fundingHistory responses at 500 entries per call.
const historyPageLimit = 500

type Hyperliquid struct {
	transport *exchange.Client
	infoURL   string
	log       *logger.Log
}

type metaResponse struct {
	Universe []struct {
		Name       string `json:"name"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
}

type fundingHistoryEntry struct {
	Coin        string `json:"coin"`
	FundingRate string `json:"fundingRate"`
	Time        int64  `json:"time"`
}

type assetCtx struct {
	Funding string `json:"funding"`
}

func New(cfg *config.Config) *Hyperliquid {
	src := cfg.Source.Hyperliquid

	base := defaultBaseURL
	if src.URL != "" {
		if parsed, err := url.Parse(src.URL); err == nil && parsed.Host != "" {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}

	h := &Hyperliquid{
		transport: exchange.NewClient(ExchangeID, src, cfg.Adapter),
		infoURL:   base + "/info",
		log:       logger.Named(ExchangeID),
	}

	h.log.WithComponent("hyperliquid_adapter").WithFields(logger.Fields{
		"endpoint": h.infoURL,
		"timeout":  cfg.Adapter.Timeout,
	}).Info("hyperliquid adapter initialized")

	return h
}

func (h *Hyperliquid) ID() string { return ExchangeID }

func (h *Hyperliquid) ListContracts(ctx context.Context) ([]models.ContractInfo, error) {
	var meta metaResponse
	body := map[string]string{"type": "meta"}
	if err := h.transport.PostJSON(ctx, "list_contracts", h.infoURL, body, &meta); err != nil {
		return nil, err
	}

	contracts := make([]models.ContractInfo, 0, len(meta.Universe))
	for _, asset := range meta.Universe {
		if asset.IsDelisted {
			continue
		}
		contracts = append(contracts, models.ContractInfo{
			BaseAsset:            asset.Name,
			QuoteAsset:           "USD",
			FundingIntervalHours: fundingIntervalHours,
		})
	}

	h.log.WithComponent("hyperliquid_adapter").WithFields(logger.Fields{
		"contracts": len(contracts),
	}).Debug("fetched contract listing")

	return contracts, nil
}

// fetchHistoryPages walks the capped, oldest-first fundingHistory endpoint
// forwards until the requested range is covered. A page shorter than limit
// means the range is exhausted, otherwise the next page starts just after
// the newest entry already seen.
func fetchHistoryPages(startMs, endMs int64, limit int,
	fetch func(startMs int64) ([]fundingHistoryEntry, error)) ([]fundingHistoryEntry, error) {

	var entries []fundingHistoryEntry
	for startMs <= endMs {
		page, err := fetch(startMs)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page...)
		if len(page) < limit {
			break
		}
		next := page[len(page)-1].Time + 1
		if next <= startMs {
			break
		}
		startMs = next
	}
	return entries, nil
}

func (h *Hyperliquid) FetchHistory(ctx context.Context, contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
	entries, err := fetchHistoryPages(since.UnixMilli()+1, until.UnixMilli(), historyPageLimit,
		func(startMs int64) ([]fundingHistoryEntry, error) {
			body := map[string]interface{}{
				"type":      "fundingHistory",
				"coin":      contract.BaseAsset,
				"startTime": startMs,
				"endTime":   until.UnixMilli(),
			}
			var page []fundingHistoryEntry
			if err := h.transport.PostJSON(ctx, "fetch_history", h.infoURL, body, &page); err != nil {
				return nil, err
			}
			return page, nil
		})
	if err != nil {
		return nil, err
	}

	points := make([]models.FundingRatePoint, 0, len(entries))
	for _, e := range entries {
		ts := time.UnixMilli(e.Time).UTC()
		if !ts.After(since) || ts.After(until) {
			continue
		}
		rate, err := decimal.NewFromString(e.FundingRate)
		if err != nil {
			return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_history",
				Err: fmt.Errorf("parse rate %q for %s: %w", e.FundingRate, contract.BaseAsset, err)}
		}
		points = append(points, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  ts,
			Rate:       rate,
			Source:     models.SourceHistorical,
		})
	}
	return points, nil
}

func (h *Hyperliquid) FetchLive(ctx context.Context, contracts []models.Contract) ([]models.FundingRatePoint, error) {
	body := map[string]string{"type": "metaAndAssetCtxs"}

	// Response is a two-element array: the universe meta, then per-asset
	// contexts in the same positional order.
	var raw []json.RawMessage
	if err := h.transport.PostJSON(ctx, "fetch_live", h.infoURL, body, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_live",
			Err: fmt.Errorf("expected 2 response elements, got %d", len(raw))}
	}

	var meta metaResponse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_live", Err: err}
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_live", Err: err}
	}
	if len(ctxs) != len(meta.Universe) {
		return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_live",
			Err: fmt.Errorf("universe/context length mismatch: %d vs %d", len(meta.Universe), len(ctxs))}
	}

	byBase := make(map[string]models.Contract, len(contracts))
	for _, c := range contracts {
		byBase[c.BaseAsset] = c
	}

	ts := models.NextBoundary(time.Now().UTC(), fundingIntervalHours*time.Hour)
	points := make([]models.FundingRatePoint, 0, len(contracts))
	for i, asset := range meta.Universe {
		contract, ok := byBase[asset.Name]
		if !ok || ctxs[i].Funding == "" {
			continue
		}
		rate, err := decimal.NewFromString(ctxs[i].Funding)
		if err != nil {
			h.log.WithComponent("hyperliquid_adapter").WithFields(logger.Fields{
				"coin": asset.Name,
			}).WithError(err).Warn("skipping unparseable live rate")
			continue
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
