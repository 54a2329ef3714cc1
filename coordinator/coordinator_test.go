package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fundingflow/config"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/scheduler"
	"fundingflow/storage/memory"
)

type fakeAdapter struct {
	id       string
	listing  []models.ContractInfo
	listErr  error
	history  func(contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error)
	live     func(contracts []models.Contract) ([]models.FundingRatePoint, error)
	liveLens []int
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) ListContracts(ctx context.Context) ([]models.ContractInfo, error) {
	return f.listing, f.listErr
}

func (f *fakeAdapter) FetchHistory(ctx context.Context, contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
	if f.history == nil {
		return nil, nil
	}
	return f.history(contract, since, until)
}

func (f *fakeAdapter) FetchLive(ctx context.Context, contracts []models.Contract) ([]models.FundingRatePoint, error) {
	f.liveLens = append(f.liveLens, len(contracts))
	if f.live == nil {
		return nil, nil
	}
	return f.live(contracts)
}

// boundaryPoints synthesizes one settled point per boundary in (since, until].
func boundaryPoints(contract models.Contract, since, until time.Time) []models.FundingRatePoint {
	interval := contract.FundingInterval()
	var out []models.FundingRatePoint
	for ts := models.LastBoundary(since, interval).Add(interval); !ts.After(until); ts = ts.Add(interval) {
		if !ts.After(since) {
			continue
		}
		out = append(out, models.FundingRatePoint{
			ContractID: contract.ID,
			Timestamp:  ts,
			Rate:       decimal.RequireFromString("0.0001"),
			Source:     models.SourceHistorical,
		})
	}
	return out
}

func syncedContract(t *testing.T, store *memory.Store, registry *Registry, adapter *fakeAdapter) models.Contract {
	t.Helper()
	sync := NewContractSync(store, registry, adapter)
	if err := sync.Run(context.Background()); err != nil {
		t.Fatalf("contract sync: %v", err)
	}
	active := registry.Active(adapter.id)
	if len(active) == 0 {
		t.Fatal("no active contracts after sync")
	}
	return active[0]
}

func TestContractSyncLifecycle(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()
	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
			{BaseAsset: "ETH", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
	}
	sync := NewContractSync(store, registry, adapter)
	ctx := context.Background()

	if err := sync.Run(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if got := len(registry.Active("testex")); got != 2 {
		t.Fatalf("active after first sync = %d, want 2", got)
	}
	btc := registry.Active("testex")[0]

	// ETH drops out of the listing; BTC's interval changes
	adapter.listing = []models.ContractInfo{
		{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 4},
	}
	if err := sync.Run(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	active := registry.Active("testex")
	if len(active) != 1 || active[0].BaseAsset != "BTC" {
		t.Fatalf("active after delisting = %+v, want only BTC", active)
	}
	if active[0].ID != btc.ID {
		t.Errorf("BTC contract id changed across syncs")
	}
	if active[0].FundingIntervalHours != 4 {
		t.Errorf("interval = %d, want updated 4", active[0].FundingIntervalHours)
	}
	if got := len(registry.All("testex")); got != 2 {
		t.Errorf("all contracts = %d, want 2 (delisted kept inactive)", got)
	}

	// ETH relists and must come back under the same identity
	adapter.listing = append(adapter.listing, models.ContractInfo{
		BaseAsset: "ETH", QuoteAsset: "USDT", FundingIntervalHours: 8,
	})
	if err := sync.Run(ctx); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if got := len(registry.Active("testex")); got != 2 {
		t.Errorf("active after relist = %d, want 2", got)
	}
	if got := len(registry.All("testex")); got != 2 {
		t.Errorf("all after relist = %d, want 2 (no duplicate identity)", got)
	}
}

func TestContractSyncFailedListingChangesNothing(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()
	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
	}
	sync := NewContractSync(store, registry, adapter)
	ctx := context.Background()

	if err := sync.Run(ctx); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	adapter.listErr = errors.New("exchange down")
	if err := sync.Run(ctx); err == nil {
		t.Fatal("expected error from failed listing")
	}

	if got := len(registry.Active("testex")); got != 1 {
		t.Errorf("active after failed sync = %d, want 1 (unchanged)", got)
	}
}

func TestBackfillFillsToLastSettledBoundary(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()
	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
		history: func(c models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
			return boundaryPoints(c, since, until), nil
		},
	}
	contract := syncedContract(t, store, registry, adapter)

	now := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)
	bf := NewBackfill(store, registry, adapter, config.BackfillConfig{
		LookbackHorizon: 48 * time.Hour,
		BatchSize:       3,
	}, nil)
	bf.now = func() time.Time { return now }

	if err := bf.Run(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	points := store.Points(contract.ID)
	// horizon boundary 2025-03-08 08:00, exclusive; settled target 2025-03-10 08:00
	if len(points) != 6 {
		t.Fatalf("got %d points, want 6", len(points))
	}
	last := points[len(points)-1].Timestamp
	wantLast := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if !last.Equal(wantLast) {
		t.Errorf("last point at %v, want settled boundary %v", last, wantLast)
	}

	wm, ok, _ := store.ReadWatermark(context.Background(), contract.ID)
	if !ok || !wm.Equal(wantLast) {
		t.Errorf("watermark = %v ok=%v, want %v", wm, ok, wantLast)
	}

	// second run over the same range inserts nothing
	before := len(points)
	if err := bf.Run(context.Background()); err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if got := len(store.Points(contract.ID)); got != before {
		t.Errorf("re-run changed point count %d -> %d", before, got)
	}
}

func TestBackfillEmptyWindowsDoNotAdvanceWatermark(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()
	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
		history: func(c models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
			return nil, nil
		},
	}
	contract := syncedContract(t, store, registry, adapter)

	bf := NewBackfill(store, registry, adapter, config.BackfillConfig{
		LookbackHorizon: 48 * time.Hour,
		BatchSize:       3,
	}, nil)

	if err := bf.Run(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if _, ok, _ := store.ReadWatermark(context.Background(), contract.ID); ok {
		t.Error("watermark set despite no writes")
	}
}

func TestBackfillPartialFailureKeepsWatermarkAtLastWrite(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()

	now := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)
	failAfter := time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
		history: func(c models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
			if since.After(failAfter) || since.Equal(failAfter) {
				return nil, errors.New("exchange flaked")
			}
			return boundaryPoints(c, since, until), nil
		},
	}
	contract := syncedContract(t, store, registry, adapter)

	bf := NewBackfill(store, registry, adapter, config.BackfillConfig{
		LookbackHorizon: 48 * time.Hour,
		BatchSize:       3,
	}, nil)
	bf.now = func() time.Time { return now }

	if err := bf.Run(context.Background()); err == nil {
		t.Fatal("expected error from partial failure")
	}

	wm, ok, _ := store.ReadWatermark(context.Background(), contract.ID)
	if !ok || !wm.Equal(failAfter) {
		t.Fatalf("watermark = %v ok=%v, want last confirmed write %v", wm, ok, failAfter)
	}

	// recovery: the flake clears, the next run resumes from the watermark
	failAfter = now.Add(24 * time.Hour)
	if err := bf.Run(context.Background()); err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	wm, _, _ = store.ReadWatermark(context.Background(), contract.ID)
	wantLast := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	if !wm.Equal(wantLast) {
		t.Errorf("watermark after recovery = %v, want %v", wm, wantLast)
	}
}

func TestBackfillResumesFromHorizonWhenWatermarkTooOld(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()
	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
		history: func(c models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
			return boundaryPoints(c, since, until), nil
		},
	}
	contract := syncedContract(t, store, registry, adapter)
	ctx := context.Background()

	now := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)
	// watermark a week back, far outside the 48h lookback
	store.WriteWatermark(ctx, contract.ID, now.Add(-7*24*time.Hour))

	bf := NewBackfill(store, registry, adapter, config.BackfillConfig{
		LookbackHorizon: 48 * time.Hour,
		BatchSize:       3,
	}, nil)
	bf.now = func() time.Time { return now }

	if err := bf.Run(ctx); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	points := store.Points(contract.ID)
	if len(points) != 6 {
		t.Fatalf("got %d points, want 6 (horizon-bounded)", len(points))
	}
	wantFirst := time.Date(2025, 3, 8, 16, 0, 0, 0, time.UTC)
	if !points[0].Timestamp.Equal(wantFirst) {
		t.Errorf("first point at %v, want %v (nothing before the horizon)", points[0].Timestamp, wantFirst)
	}
}

func TestExchangeFailureDoesNotBlockOthers(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()

	now := time.Date(2025, 3, 10, 13, 30, 0, 0, time.UTC)

	down := &fakeAdapter{
		id:      "downex",
		listing: []models.ContractInfo{{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8}},
		history: func(c models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
			return nil, errors.New("exchange unavailable")
		},
	}
	up := &fakeAdapter{
		id:      "upex",
		listing: []models.ContractInfo{{BaseAsset: "ETH", QuoteAsset: "USDT", FundingIntervalHours: 8}},
		history: func(c models.Contract, since, until time.Time) ([]models.FundingRatePoint, error) {
			return boundaryPoints(c, since, until), nil
		},
	}
	downContract := syncedContract(t, store, registry, down)
	upContract := syncedContract(t, store, registry, up)

	cfg := config.BackfillConfig{LookbackHorizon: 48 * time.Hour, BatchSize: 3}
	sched := scheduler.New(config.SchedulerConfig{
		ShutdownGrace: 2 * time.Second,
		EscalateAfter: 3,
	}, logger.GetLogger())

	ran := make(chan string, 2)
	for _, adapter := range []*fakeAdapter{down, up} {
		bf := NewBackfill(store, registry, adapter, cfg, nil)
		bf.now = func() time.Time { return now }
		id := adapter.id
		err := sched.Schedule(id, "backfill", time.Hour, 0, true, func(ctx context.Context) error {
			defer func() { ran <- id }()
			return bf.Run(ctx)
		})
		if err != nil {
			t.Fatalf("Schedule %s: %v", id, err)
		}
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("backfill jobs did not complete")
		}
	}
	sched.Stop()

	if got := len(store.Points(upContract.ID)); got != 6 {
		t.Errorf("healthy exchange stored %d points, want 6", got)
	}
	if got := len(store.Points(downContract.ID)); got != 0 {
		t.Errorf("failing exchange stored %d points, want 0", got)
	}
}

func TestLiveLoggerElevatedIndependently(t *testing.T) {
	logger.SetDebugNames([]string{"gammaex.live"})

	adapter := &fakeAdapter{id: "gammaex"}
	live := NewLive(memory.New(), NewRegistry(), adapter, config.LiveConfig{}, nil)
	if !live.log.IsLevelEnabled(logrus.DebugLevel) {
		t.Error("live sweep logger not elevated to debug")
	}

	bf := NewBackfill(memory.New(), NewRegistry(), adapter, config.BackfillConfig{}, nil)
	if bf.log.IsLevelEnabled(logrus.DebugLevel) {
		t.Error("exchange logger elevated, want the live sweep only")
	}
}

func TestLiveDoesNotOverwriteBackfilledRow(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()

	boundary := time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
		live: func(contracts []models.Contract) ([]models.FundingRatePoint, error) {
			out := make([]models.FundingRatePoint, 0, len(contracts))
			for _, c := range contracts {
				out = append(out, models.FundingRatePoint{
					ContractID: c.ID,
					Timestamp:  boundary,
					Rate:       decimal.RequireFromString("0.0009"),
					Source:     models.SourceLive,
				})
			}
			return out, nil
		},
	}
	contract := syncedContract(t, store, registry, adapter)

	store.UpsertPoints(context.Background(), []models.FundingRatePoint{{
		ContractID: contract.ID,
		Timestamp:  boundary,
		Rate:       decimal.RequireFromString("0.0001"),
		Source:     models.SourceHistorical,
	}})

	live := NewLive(store, registry, adapter, config.LiveConfig{}, nil)
	if err := live.Run(context.Background()); err != nil {
		t.Fatalf("live run: %v", err)
	}

	points := store.Points(contract.ID)
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1 (no duplicate)", len(points))
	}
	if points[0].Source != models.SourceHistorical || points[0].Rate.String() != "0.0001" {
		t.Errorf("backfilled row overwritten: %+v", points[0])
	}
}

func TestLiveWatermarkGapGuard(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()

	boundary := time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{
		id: "testex",
		listing: []models.ContractInfo{
			{BaseAsset: "BTC", QuoteAsset: "USDT", FundingIntervalHours: 8},
		},
		live: func(contracts []models.Contract) ([]models.FundingRatePoint, error) {
			return []models.FundingRatePoint{{
				ContractID: contracts[0].ID,
				Timestamp:  boundary,
				Rate:       decimal.RequireFromString("0.0001"),
				Source:     models.SourceLive,
			}}, nil
		},
	}
	contract := syncedContract(t, store, registry, adapter)
	ctx := context.Background()
	live := NewLive(store, registry, adapter, config.LiveConfig{}, nil)

	// watermark lags several boundaries behind: live must not jump it
	store.WriteWatermark(ctx, contract.ID, boundary.Add(-32*time.Hour))
	if err := live.Run(ctx); err != nil {
		t.Fatalf("live run: %v", err)
	}
	wm, _, _ := store.ReadWatermark(ctx, contract.ID)
	if !wm.Equal(boundary.Add(-32 * time.Hour)) {
		t.Errorf("watermark jumped to %v over unfilled boundaries", wm)
	}

	// watermark at the previous boundary: live may advance it
	store.WriteWatermark(ctx, contract.ID, boundary.Add(-8*time.Hour))
	if err := live.Run(ctx); err != nil {
		t.Fatalf("live run: %v", err)
	}
	wm, _, _ = store.ReadWatermark(ctx, contract.ID)
	if !wm.Equal(boundary) {
		t.Errorf("watermark = %v, want advanced to %v", wm, boundary)
	}
}

func TestLiveBatchesContracts(t *testing.T) {
	store := memory.New()
	registry := NewRegistry()

	listing := make([]models.ContractInfo, 5)
	bases := []string{"AAA", "BBB", "CCC", "DDD", "EEE"}
	for i, b := range bases {
		listing[i] = models.ContractInfo{BaseAsset: b, QuoteAsset: "USDT", FundingIntervalHours: 8}
	}
	adapter := &fakeAdapter{id: "testex", listing: listing}
	syncedContract(t, store, registry, adapter)

	live := NewLive(store, registry, adapter, config.LiveConfig{BatchSize: 2}, nil)
	if err := live.Run(context.Background()); err != nil {
		t.Fatalf("live run: %v", err)
	}

	want := []int{2, 2, 1}
	if len(adapter.liveLens) != len(want) {
		t.Fatalf("got %d live calls %v, want %v", len(adapter.liveLens), adapter.liveLens, want)
	}
	for i, n := range want {
		if adapter.liveLens[i] != n {
			t.Errorf("call %d batch size = %d, want %d", i, adapter.liveLens[i], n)
		}
	}
}
