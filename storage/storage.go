// Package storage defines the persistence contract shared by the postgres
// and in-memory stores.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fundingflow/models"
)

// Store persists contracts, funding points, and per-contract collection
// watermarks. Point writes are insert-ignore on (contract, timestamp):
// existing rows are never overwritten, whichever source got there first
// stands. Watermark writes take the maximum of the stored and offered value
// so they only move forward.
type Store interface {
	// UpsertContract inserts or updates a contract by its (exchange, base,
	// quote) identity and returns the stored row. The contract ID is stable
	// across upserts.
	UpsertContract(ctx context.Context, c models.Contract) (models.Contract, error)

	// ListContracts returns every contract for the exchange, active or not.
	ListContracts(ctx context.Context, exchange string) ([]models.Contract, error)

	// SetContractsInactive marks the given contracts inactive. Their rows
	// and collected history remain.
	SetContractsInactive(ctx context.Context, ids []uuid.UUID) error

	// UpsertPoints writes funding points, ignoring rows whose
	// (contract, timestamp) already exists. Returns the number actually
	// inserted.
	UpsertPoints(ctx context.Context, points []models.FundingRatePoint) (int, error)

	// ReadWatermark returns the collection watermark for the contract and
	// whether one exists.
	ReadWatermark(ctx context.Context, contractID uuid.UUID) (time.Time, bool, error)

	// WriteWatermark advances the contract's watermark to ts if ts is later
	// than the stored value.
	WriteWatermark(ctx context.Context, contractID uuid.UUID, ts time.Time) error

	Close()
}

// StoreError wraps a failure from one store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
