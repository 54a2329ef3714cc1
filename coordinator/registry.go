// Package coordinator holds the collection logic the scheduler drives:
// contract sync, historical backfill, and live collection, all working
// against the shared contract registry.
package coordinator

import (
	"context"
	"sort"
	"sync"

	"fundingflow/models"
	"fundingflow/storage"
)

// Registry is the in-memory view of known contracts per exchange. It is
// loaded from the store at startup and kept current by contract sync, so
// backfill and live collection never hit the database for contract lookups.
type Registry struct {
	mu         sync.RWMutex
	byExchange map[string]map[string]models.Contract
}

func NewRegistry() *Registry {
	return &Registry{
		byExchange: make(map[string]map[string]models.Contract),
	}
}

// Load populates the registry from the store for the given exchanges.
func (r *Registry) Load(ctx context.Context, store storage.Store, exchanges []string) error {
	for _, exchange := range exchanges {
		contracts, err := store.ListContracts(ctx, exchange)
		if err != nil {
			return err
		}
		r.mu.Lock()
		m := make(map[string]models.Contract, len(contracts))
		for _, c := range contracts {
			m[c.Key()] = c
		}
		r.byExchange[exchange] = m
		r.mu.Unlock()
	}
	return nil
}

// Put inserts or replaces one contract.
func (r *Registry) Put(c models.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byExchange[c.Exchange]
	if !ok {
		m = make(map[string]models.Contract)
		r.byExchange[c.Exchange] = m
	}
	m[c.Key()] = c
}

// Active returns the active contracts for an exchange in stable key order.
func (r *Registry) Active(exchange string) []models.Contract {
	return r.list(exchange, true)
}

// All returns every known contract for an exchange in stable key order.
func (r *Registry) All(exchange string) []models.Contract {
	return r.list(exchange, false)
}

func (r *Registry) list(exchange string, activeOnly bool) []models.Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Contract, 0, len(r.byExchange[exchange]))
	for _, c := range r.byExchange[exchange] {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
