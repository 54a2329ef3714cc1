// Package bybit adapts Bybit linear perpetuals through the official
// bybit.go.api client. Responses come back as untyped Result payloads which
// are re-marshalled into local structs before mapping.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
)

const ExchangeID = "bybit"

// Bybit caps the funding-rate history endpoint at 200 rows per call.
const historyPageLimit = 200

type Bybit struct {
	client    *bybit.Client
	transport *exchange.Client
	log       *logger.Log
}

type instrumentList struct {
	List []struct {
		Symbol          string `json:"symbol"`
		BaseCoin        string `json:"baseCoin"`
		QuoteCoin       string `json:"quoteCoin"`
		Status          string `json:"status"`
		ContractType    string `json:"contractType"`
		FundingInterval int    `json:"fundingInterval"` // minutes
	} `json:"list"`
}

type fundingRateRow struct {
	Symbol               string `json:"symbol"`
	FundingRate          string `json:"fundingRate"`
	FundingRateTimestamp string `json:"fundingRateTimestamp"`
}

type fundingRateList struct {
	List []fundingRateRow `json:"list"`
}

type tickerList struct {
	List []struct {
		Symbol          string `json:"symbol"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

func New(cfg *config.Config) *Bybit {
	src := cfg.Source.Bybit

	base := "https://api.bybit.com"
	if src.URL != "" {
		if parsed, err := url.Parse(src.URL); err == nil && parsed.Host != "" {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = exchange.NewHTTPClient(src, cfg.Adapter.Timeout)

	b := &Bybit{
		client:    client,
		transport: exchange.NewClient(ExchangeID, src, cfg.Adapter),
		log:       logger.Named(ExchangeID),
	}

	b.log.WithComponent("bybit_adapter").WithFields(logger.Fields{
		"endpoint": base,
		"timeout":  cfg.Adapter.Timeout,
	}).Info("bybit adapter initialized")

	return b
}

func (b *Bybit) ID() string { return ExchangeID }

func symbol(c models.Contract) string {
	return c.BaseAsset + c.QuoteAsset
}

// call runs one UTA request under the shared retry policy and decodes the
// Result payload into out.
func (b *Bybit) call(ctx context.Context, op string,
	do func(ctx context.Context) (*bybit.ServerResponse, error), out interface{}) error {

	return b.transport.Do(ctx, op, func(ctx context.Context) (bool, error) {
		resp, err := do(ctx)
		if err != nil {
			return true, err
		}
		if resp.RetCode != 0 {
			return resp.RetCode == 10006, fmt.Errorf("bybit retCode %d: %s", resp.RetCode, resp.RetMsg)
		}
		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return false, err
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return false, fmt.Errorf("decode %s result: %w", op, err)
		}
		return false, nil
	})
}

func (b *Bybit) ListContracts(ctx context.Context) ([]models.ContractInfo, error) {
	params := map[string]interface{}{
		"category": "linear",
		"limit":    1000,
	}

	var result instrumentList
	err := b.call(ctx, "list_contracts", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	}, &result)
	if err != nil {
		return nil, err
	}

	contracts := make([]models.ContractInfo, 0, len(result.List))
	for _, inst := range result.List {
		if inst.ContractType != "LinearPerpetual" {
			continue
		}
		hours := inst.FundingInterval / 60
		contracts = append(contracts, models.ContractInfo{
			BaseAsset:            inst.BaseCoin,
			QuoteAsset:           inst.QuoteCoin,
			FundingIntervalHours: hours,
		})
	}

	b.log.WithComponent("bybit_adapter").WithFields(logger.Fields{
		"contracts": len(contracts),
	}).Debug("fetched contract listing")

	return contracts, nil
}

// fetchHistoryPages walks a capped, newest-first history endpoint backwards
// until the requested range is covered. Each call to fetch serves rows up to
// endMs; a page shorter than limit means the range is exhausted, otherwise
// the next page ends just before the oldest row already seen.
func fetchHistoryPages(startMs, endMs int64, limit int,
	fetch func(endMs int64) ([]fundingRateRow, error)) ([]fundingRateRow, error) {

	var rows []fundingRateRow
	for endMs >= startMs {
		page, err := fetch(endMs)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page...)
		if len(page) < limit {
			break
		}
		oldest, err := strconv.ParseInt(page[len(page)-1].FundingRateTimestamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse page timestamp %q: %w", page[len(page)-1].FundingRateTimestamp, err)
		}
		if oldest <= startMs {
			break
		}
		endMs = oldest - 1
	}
	return rows, nil
}

func (b *Bybit) FetchHistory(ctx context.Context, contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
	sym := symbol(contract)
	startMs := since.UnixMilli() + 1

	rows, err := fetchHistoryPages(startMs, until.UnixMilli(), historyPageLimit,
		func(endMs int64) ([]fundingRateRow, error) {
			params := map[string]interface{}{
				"category":  "linear",
				"symbol":    sym,
				"startTime": startMs,
				"endTime":   endMs,
				"limit":     historyPageLimit,
			}
			var result fundingRateList
			if err := b.call(ctx, "fetch_history", func(ctx context.Context) (*bybit.ServerResponse, error) {
				return b.client.NewUtaBybitServiceWithParams(params).GetFundingRateHistory(ctx)
			}, &result); err != nil {
				return nil, err
			}
			return result.List, nil
		})
	if err != nil {
		return nil, err
	}

	points := make([]models.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		ms, err := strconv.ParseInt(row.FundingRateTimestamp, 10, 64)
		if err != nil {
			return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_history",
				Err: fmt.Errorf("parse timestamp %q for %s: %w", row.FundingRateTimestamp, sym, err)}
		}
		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			return nil, &exchange.APIError{Exchange: ExchangeID, Op: "fetch_history",
				Err: fmt.Errorf("parse rate %q for %s: %w", row.FundingRate, sym, err)}
		}
		ts := time.UnixMilli(ms).UTC()
		if !ts.After(since) || ts.After(until) {
			continue
		}
		points = append(points, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  ts,
			Rate:       rate,
			Source:     models.SourceHistorical,
		})
	}

	// Bybit returns newest first.
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

func (b *Bybit) FetchLive(ctx context.Context, contracts []models.Contract) ([]models.FundingRatePoint, error) {
	params := map[string]interface{}{
		"category": "linear",
	}

	var result tickerList
	err := b.call(ctx, "fetch_live", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	}, &result)
	if err != nil {
		return nil, err
	}

	bySymbol := make(map[string]models.Contract, len(contracts))
	for _, c := range contracts {
		bySymbol[symbol(c)] = c
	}

	now := time.Now().UTC()
	points := make([]models.FundingRatePoint, 0, len(contracts))
	for _, t := range result.List {
		contract, ok := bySymbol[t.Symbol]
		if !ok || t.FundingRate == "" {
			continue
		}
		rate, err := decimal.NewFromString(t.FundingRate)
		if err != nil {
			b.log.WithComponent("bybit_adapter").WithFields(logger.Fields{
				"symbol": t.Symbol,
			}).WithError(err).Warn("skipping unparseable live rate")
			continue
		}

		ts := models.NextBoundary(now, contract.FundingInterval())
		if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil && ms > 0 {
			ts = time.UnixMilli(ms).UTC()
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
