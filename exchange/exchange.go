// Package exchange defines the capability contract every exchange adapter
// implements. Adapters are variants satisfying this interface; new exchanges
// are added by providing a new variant, never by sharing behaviour.
package exchange

import (
	"context"
	"fmt"
	"time"

	"fundingflow/models"
)

// Adapter is the protocol the coordinators consume. All operations may fail
// with an *APIError; the core treats every such failure as a single failed
// job run.
type Adapter interface {
	// ID returns the globally unique exchange identifier.
	ID() string

	// ListContracts fetches all perpetual contracts currently listed.
	ListContracts(ctx context.Context) ([]models.ContractInfo, error)

	// FetchHistory returns settled funding points for the contract with
	// timestamps in (since, until], ascending. Implementations paginate
	// internally until the whole range is covered; callers may request
	// windows wider than any per-call response cap. Fewer points than
	// boundaries is not an error: sparse schedules and delistings leave
	// empty slots.
	FetchHistory(ctx context.Context, contract models.Contract, since, until time.Time) ([]models.FundingRatePoint, error)

	// FetchLive returns the current funding rate for the given contracts in
	// one batched request, each point stamped at its settlement boundary.
	FetchLive(ctx context.Context, contracts []models.Contract) ([]models.FundingRatePoint, error)
}

// APIError wraps a transport or parse failure from one exchange operation.
type APIError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
