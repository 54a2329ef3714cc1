package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PointSource marks which collection path produced a funding rate point.
type PointSource string

const (
	SourceHistorical PointSource = "historical"
	SourceLive       PointSource = "live"
)

// ContractInfo is the adapter-level view of a perpetual contract as
// returned by an exchange listing. It carries no identity; the contract
// sync coordinator resolves it against the registry.
type ContractInfo struct {
	BaseAsset            string
	QuoteAsset           string
	FundingIntervalHours int
}

// Key returns the (base, quote) identity of the contract within one exchange.
func (c ContractInfo) Key() string {
	return c.BaseAsset + "/" + c.QuoteAsset
}

// Contract is a perpetual futures pair on one exchange. Contracts are
// created by contract sync when first observed and deactivated, never
// deleted, when absent from a live listing.
type Contract struct {
	ID                   uuid.UUID
	Exchange             string
	BaseAsset            string
	QuoteAsset           string
	FundingIntervalHours int
	Active               bool
}

func (c Contract) Key() string {
	return c.BaseAsset + "/" + c.QuoteAsset
}

func (c Contract) String() string {
	return fmt.Sprintf("%s:%s/%s", c.Exchange, c.BaseAsset, c.QuoteAsset)
}

// FundingInterval returns the time between funding events for this contract.
// Contracts with a missing or bogus interval fall back to the conventional
// eight hours so boundary math never divides by zero.
func (c Contract) FundingInterval() time.Duration {
	hours := c.FundingIntervalHours
	if hours <= 0 {
		hours = 8
	}
	return time.Duration(hours) * time.Hour
}

// FundingRatePoint is one timestamped rate for one contract at one
// funding-interval boundary. (ContractID, Timestamp) is unique; writes are
// idempotent insert-ignore upserts.
type FundingRatePoint struct {
	ContractID uuid.UUID
	Timestamp  time.Time
	Rate       decimal.Decimal
	Source     PointSource
}

// LastBoundary returns the most recent funding-interval boundary that has
// fully elapsed at time now. Boundaries are aligned to the Unix epoch in UTC,
// matching how exchanges settle funding at fixed wall-clock times.
func LastBoundary(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval)
}

// NextBoundary returns the first funding-interval boundary strictly after now.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	return LastBoundary(now, interval).Add(interval)
}
