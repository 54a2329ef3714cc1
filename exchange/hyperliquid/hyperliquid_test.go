package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"fundingflow/config"
	"fundingflow/models"
)

func testConfig(serverURL string) *config.Config {
	cfg := &config.Config{}
	cfg.Source.Hyperliquid.URL = serverURL
	cfg.Adapter.Timeout = 5 * time.Second
	cfg.Adapter.Retry.MaxAttempts = 1
	cfg.Adapter.RateLimit.RequestsPerSecond = 100
	return cfg
}

// infoServer dispatches on the type field the way the real endpoint does.
func infoServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		reqType, _ := body["type"].(string)
		resp, ok := responses[reqType]
		if !ok {
			t.Errorf("unexpected request type %q", reqType)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(resp))
	}))
}

func TestListContracts(t *testing.T) {
	server := infoServer(t, map[string]string{
		"meta": `{"universe":[
			{"name":"BTC"},
			{"name":"ETH"},
			{"name":"OLD","isDelisted":true}
		]}`,
	})
	defer server.Close()

	h := New(testConfig(server.URL))
	contracts, err := h.ListContracts(context.Background())
	if err != nil {
		t.Fatalf("ListContracts: %v", err)
	}

	if len(contracts) != 2 {
		t.Fatalf("got %d contracts, want 2 (delisted filtered)", len(contracts))
	}
	for _, c := range contracts {
		if c.QuoteAsset != "USD" {
			t.Errorf("quote = %q, want USD", c.QuoteAsset)
		}
		if c.FundingIntervalHours != 1 {
			t.Errorf("interval = %d, want 1", c.FundingIntervalHours)
		}
	}
}

func TestFetchHistory(t *testing.T) {
	since := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) // 1740816000000 ms
	until := since.Add(3 * time.Hour)

	server := infoServer(t, map[string]string{
		"fundingHistory": `[
			{"coin":"BTC","fundingRate":"0.0000125","time":1740819600000},
			{"coin":"BTC","fundingRate":"0.0000130","time":1740823200000}
		]`,
	})
	defer server.Close()

	contract := models.Contract{
		ID:                   uuid.New(),
		Exchange:             ExchangeID,
		BaseAsset:            "BTC",
		QuoteAsset:           "USD",
		FundingIntervalHours: 1,
	}

	h := New(testConfig(server.URL))
	points, err := h.FetchHistory(context.Background(), contract, since, until)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}

	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	want := since.Add(time.Hour)
	if !points[0].Timestamp.Equal(want) {
		t.Errorf("first timestamp = %v, want %v", points[0].Timestamp, want)
	}
	if points[0].Rate.String() != "0.0000125" {
		t.Errorf("rate = %s, want 0.0000125", points[0].Rate)
	}
}

func TestFetchHistoryPagesCoversRange(t *testing.T) {
	// Six settled boundaries but only two entries per call: a single request
	// would silently drop the four newest.
	base := time.Date(2025, 3, 8, 8, 0, 0, 0, time.UTC)
	entries := make([]fundingHistoryEntry, 0, 6)
	for i := 0; i < 6; i++ {
		entries = append(entries, fundingHistoryEntry{
			Coin:        "BTC",
			FundingRate: "0.0000125",
			Time:        base.Add(time.Duration(i) * time.Hour).UnixMilli(),
		})
	}

	calls := 0
	got, err := fetchHistoryPages(base.UnixMilli(), base.Add(5*time.Hour).UnixMilli(), 2,
		func(startMs int64) ([]fundingHistoryEntry, error) {
			calls++
			page := make([]fundingHistoryEntry, 0, 2)
			for _, e := range entries {
				if e.Time < startMs {
					continue
				}
				page = append(page, e)
				if len(page) == 2 {
					break
				}
			}
			return page, nil
		})
	if err != nil {
		t.Fatalf("fetchHistoryPages: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d entries, want 6", len(got))
	}
	if calls != 3 {
		t.Errorf("made %d calls, want 3", calls)
	}
	if want := base.Add(5 * time.Hour).UnixMilli(); got[len(got)-1].Time != want {
		t.Errorf("newest boundary missing, last entry at %d", got[len(got)-1].Time)
	}
}

func TestFetchLivePositionalContexts(t *testing.T) {
	server := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[
			{"universe":[{"name":"BTC"},{"name":"ETH"},{"name":"SOL"}]},
			[{"funding":"0.0000125"},{"funding":"0.0000150"},{"funding":"0.0000175"}]
		]`,
	})
	defer server.Close()

	btc := models.Contract{ID: uuid.New(), Exchange: ExchangeID, BaseAsset: "BTC", QuoteAsset: "USD", FundingIntervalHours: 1}
	sol := models.Contract{ID: uuid.New(), Exchange: ExchangeID, BaseAsset: "SOL", QuoteAsset: "USD", FundingIntervalHours: 1}

	h := New(testConfig(server.URL))
	points, err := h.FetchLive(context.Background(), []models.Contract{btc, sol})
	if err != nil {
		t.Fatalf("FetchLive: %v", err)
	}

	if len(points) != 2 {
		t.Fatalf("got %d points, want 2 (only requested contracts)", len(points))
	}
	byID := map[uuid.UUID]string{btc.ID: "0.0000125", sol.ID: "0.0000175"}
	for _, p := range points {
		want, ok := byID[p.ContractID]
		if !ok {
			t.Fatalf("unexpected contract id %v", p.ContractID)
		}
		if p.Rate.String() != want {
			t.Errorf("rate = %s, want %s", p.Rate, want)
		}
		if p.Source != models.SourceLive {
			t.Errorf("source = %v, want live", p.Source)
		}
		if !p.Timestamp.After(time.Now().UTC().Add(-time.Minute)) {
			t.Errorf("live timestamp %v not at an upcoming boundary", p.Timestamp)
		}
	}
}

func TestFetchLiveLengthMismatch(t *testing.T) {
	server := infoServer(t, map[string]string{
		"metaAndAssetCtxs": `[
			{"universe":[{"name":"BTC"},{"name":"ETH"}]},
			[{"funding":"0.0000125"}]
		]`,
	})
	defer server.Close()

	h := New(testConfig(server.URL))
	_, err := h.FetchLive(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error on universe/context length mismatch")
	}
}
