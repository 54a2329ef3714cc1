// Package kucoin adapts KuCoin futures perpetuals over the plain REST API.
// KuCoin has no batched funding endpoint, so live collection walks the
// contracts one request at a time under the shared rate limiter.
package kucoin

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
)

const ExchangeID = "kucoin"

const defaultBaseURL = "https://api-futures.kucoin.com"

// successCode is KuCoin's envelope code for a successful call.
const successCode = "200000"

// KuCoin caps the funding-rate history endpoint at 100 rows per call.
const historyPageLimit = 100

type Kucoin struct {
	transport *exchange.Client
	baseURL   string
	log       *logger.Log
}

type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type contractsResponse struct {
	envelope
	Data []struct {
		Symbol                 string `json:"symbol"`
		BaseCurrency           string `json:"baseCurrency"`
		QuoteCurrency          string `json:"quoteCurrency"`
		Status                 string `json:"status"`
		FundingRateGranularity int64  `json:"fundingRateGranularity"` // ms
	} `json:"data"`
}

type fundingRateRow struct {
	Symbol      string  `json:"symbol"`
	FundingRate float64 `json:"fundingRate"`
	Timepoint   int64   `json:"timepoint"`
}

type historyResponse struct {
	envelope
	Data []fundingRateRow `json:"data"`
}

type currentRateResponse struct {
	envelope
	Data struct {
		Symbol      string  `json:"symbol"`
		Value       float64 `json:"value"`
		Granularity int64   `json:"granularity"`
		TimePoint   int64   `json:"timePoint"`
	} `json:"data"`
}

func New(cfg *config.Config) *Kucoin {
	src := cfg.Source.Kucoin

	base := defaultBaseURL
	if src.URL != "" {
		if parsed, err := url.Parse(src.URL); err == nil && parsed.Host != "" {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}

	k := &Kucoin{
		transport: exchange.NewClient(ExchangeID, src, cfg.Adapter),
		baseURL:   base,
		log:       logger.Named(ExchangeID),
	}

	k.log.WithComponent("kucoin_adapter").WithFields(logger.Fields{
		"endpoint": base,
		"timeout":  cfg.Adapter.Timeout,
	}).Info("kucoin adapter initialized")

	return k
}

func (k *Kucoin) ID() string { return ExchangeID }

// symbol rebuilds the KuCoin futures symbol from the contract identity.
// Base currencies are stored as reported (XBT, not BTC) so the mapping
// stays reversible.
func symbol(c models.Contract) string {
	return c.BaseAsset + c.QuoteAsset + "M"
}

func (e envelope) err() error {
	if e.Code != "" && e.Code != successCode {
		return fmt.Errorf("kucoin code %s: %s", e.Code, e.Msg)
	}
	return nil
}

func (k *Kucoin) ListContracts(ctx context.Context) ([]models.ContractInfo, error) {
	var resp contractsResponse
	if err := k.transport.GetJSON(ctx, "list_contracts", k.baseURL+"/api/v1/contracts/active", &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, &exchange.APIError{Exchange: ExchangeID, Op: "list_contracts", Err: err}
	}

	contracts := make([]models.ContractInfo, 0, len(resp.Data))
	for _, c := range resp.Data {
		if !strings.HasSuffix(c.Symbol, "M") || c.Status != "Open" {
			continue
		}
		hours := 0
		if c.FundingRateGranularity > 0 {
			hours = int(time.Duration(c.FundingRateGranularity) * time.Millisecond / time.Hour)
		}
		contracts = append(contracts, models.ContractInfo{
			BaseAsset:            c.BaseCurrency,
			QuoteAsset:           c.QuoteCurrency,
			FundingIntervalHours: hours,
		})
	}

	k.log.WithComponent("kucoin_adapter").WithFields(logger.Fields{
		"contracts": len(contracts),
	}).Debug("fetched contract listing")

	return contracts, nil
}

// fetchHistoryPages walks the capped, newest-first history endpoint backwards
// until the requested range is covered. A page shorter than limit means the
// range is exhausted, otherwise the next page ends just before the oldest row
// already seen.
func fetchHistoryPages(fromMs, toMs int64, limit int,
	fetch func(toMs int64) ([]fundingRateRow, error)) ([]fundingRateRow, error) {

	var rows []fundingRateRow
	for toMs >= fromMs {
		page, err := fetch(toMs)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < limit {
			break
		}
		oldest := page[len(page)-1].Timepoint
		if oldest <= fromMs {
			break
		}
		toMs = oldest - 1
	}
	return rows, nil
}

func (k *Kucoin) FetchHistory(ctx context.Context, contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
	sym := symbol(contract)
	fromMs := since.UnixMilli() + 1

	rows, err := fetchHistoryPages(fromMs, until.UnixMilli(), historyPageLimit,
		func(toMs int64) ([]fundingRateRow, error) {
			endpoint := fmt.Sprintf("%s/api/v1/contract/funding-rates?symbol=%s&from=%d&to=%d",
				k.baseURL, url.QueryEscape(sym), fromMs, toMs)

			var resp historyResponse
			if err := k.transport.GetJSON(ctx, "fetch_history", endpoint, &resp); err != nil {
				return nil, err
			}
			if err := resp.err(); err != nil {
				return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_history", Err: err}
			}
			return resp.Data, nil
		})
	if err != nil {
		return nil, err
	}

	points := make([]models.FundingRatePoint, 0, len(rows))
	// Pages arrive newest first, so walking backwards yields ascending order.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		ts := time.UnixMilli(row.Timepoint).UTC()
		if !ts.After(since) || ts.After(until) {
			continue
		}
		points = append(points, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  ts,
			Rate:       decimal.NewFromFloat(row.FundingRate),
			Source:     models.SourceHistorical,
		})
	}
	return points, nil
}

func (k *Kucoin) FetchLive(ctx context.Context, contracts []models.Contract) ([]models.FundingRatePoint, error) {
	points := make([]models.FundingRatePoint, 0, len(contracts))
	for _, contract := range contracts {
		if err := ctx.Err(); err != nil {
			return points, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_live", Err: err}
		}

		sym := symbol(contract)
		endpoint := fmt.Sprintf("%s/api/v1/funding-rate/%s/current", k.baseURL, url.PathEscape(sym))

		var resp currentRateResponse
		if err := k.transport.GetJSON(ctx, "fetch_live", endpoint, &resp); err != nil {
			k.log.WithComponent("kucoin_adapter").WithFields(logger.Fields{
				"symbol": sym,
			}).WithError(err).Warn("skipping contract in live sweep")
			continue
		}
		if err := resp.err(); err != nil {
			k.log.WithComponent("kucoin_adapter").WithFields(logger.Fields{
				"symbol": sym,
			}).WithError(err).Warn("skipping contract in live sweep")
			continue
		}

		interval := contract.FundingInterval()
		if resp.Data.Granularity > 0 {
			interval = time.Duration(resp.Data.Granularity) * time.Millisecond
		}
		ts := models.NextBoundary(time.Now().UTC(), interval)
		if resp.Data.TimePoint > 0 {
			// timePoint marks the start of the current funding period; the
			// rate settles one interval later.
			ts = time.UnixMilli(resp.Data.TimePoint).UTC().Add(interval)
		}

		points = append(points, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  ts,
			Rate:       decimal.NewFromFloat(resp.Data.Value),
			Source:     models.SourceLive,
		})
	}
	return points, nil
}
