package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundingflow/models"
)

func TestUpsertContractStableID(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertContract(ctx, models.Contract{
		Exchange: "binance", BaseAsset: "BTC", QuoteAsset: "USDT",
		FundingIntervalHours: 8, Active: true,
	})
	if err != nil {
		t.Fatalf("UpsertContract: %v", err)
	}
	if first.ID == uuid.Nil {
		t.Fatal("expected generated contract id")
	}

	second, err := s.UpsertContract(ctx, models.Contract{
		Exchange: "binance", BaseAsset: "BTC", QuoteAsset: "USDT",
		FundingIntervalHours: 4, Active: true,
	})
	if err != nil {
		t.Fatalf("UpsertContract: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("id changed across upserts: %v then %v", first.ID, second.ID)
	}

	contracts, _ := s.ListContracts(ctx, "binance")
	if len(contracts) != 1 {
		t.Fatalf("got %d contracts, want 1", len(contracts))
	}
	if contracts[0].FundingIntervalHours != 4 {
		t.Errorf("interval = %d, want updated value 4", contracts[0].FundingIntervalHours)
	}
}

func TestUpsertPointsInsertIgnore(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := uuid.New()
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	n, err := s.UpsertPoints(ctx, []models.FundingRatePoint{
		{ContractID: id, Timestamp: ts, Rate: decimal.RequireFromString("0.0001"), Source: models.SourceHistorical},
	})
	if err != nil || n != 1 {
		t.Fatalf("first insert: n=%d err=%v, want 1", n, err)
	}

	// same (contract, timestamp) from live must not overwrite
	n, err = s.UpsertPoints(ctx, []models.FundingRatePoint{
		{ContractID: id, Timestamp: ts, Rate: decimal.RequireFromString("0.0009"), Source: models.SourceLive},
	})
	if err != nil || n != 0 {
		t.Fatalf("duplicate insert: n=%d err=%v, want 0", n, err)
	}

	points := s.Points(id)
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	if points[0].Source != models.SourceHistorical {
		t.Errorf("source overwritten to %v", points[0].Source)
	}
	if points[0].Rate.String() != "0.0001" {
		t.Errorf("rate overwritten to %s", points[0].Rate)
	}
}

func TestWatermarkTakeMax(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := uuid.New()

	if _, ok, _ := s.ReadWatermark(ctx, id); ok {
		t.Fatal("unexpected watermark for fresh contract")
	}

	later := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-8 * time.Hour)

	if err := s.WriteWatermark(ctx, id, later); err != nil {
		t.Fatalf("WriteWatermark: %v", err)
	}
	if err := s.WriteWatermark(ctx, id, earlier); err != nil {
		t.Fatalf("WriteWatermark: %v", err)
	}

	wm, ok, _ := s.ReadWatermark(ctx, id)
	if !ok || !wm.Equal(later) {
		t.Errorf("watermark = %v ok=%v, want %v (regression rejected)", wm, ok, later)
	}
}

func TestSetContractsInactiveKeepsHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	c, _ := s.UpsertContract(ctx, models.Contract{
		Exchange: "bybit", BaseAsset: "ETH", QuoteAsset: "USDT", Active: true,
	})
	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.UpsertPoints(ctx, []models.FundingRatePoint{
		{ContractID: c.ID, Timestamp: ts, Rate: decimal.RequireFromString("0.0001"), Source: models.SourceHistorical},
	})

	if err := s.SetContractsInactive(ctx, []uuid.UUID{c.ID}); err != nil {
		t.Fatalf("SetContractsInactive: %v", err)
	}

	contracts, _ := s.ListContracts(ctx, "bybit")
	if len(contracts) != 1 || contracts[0].Active {
		t.Errorf("contract not marked inactive: %+v", contracts)
	}
	if got := len(s.Points(c.ID)); got != 1 {
		t.Errorf("history lost: %d points remain, want 1", got)
	}
}
