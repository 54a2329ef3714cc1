// Package memory provides an in-process Store used by tests and local runs
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundingflow/models"
	"fundingflow/storage"
)

type pointKey struct {
	contractID uuid.UUID
	ts         int64
}

var _ storage.Store = (*Store)(nil)

type Store struct {
	mu         sync.RWMutex
	contracts  map[uuid.UUID]models.Contract
	byIdentity map[string]uuid.UUID
	points     map[pointKey]models.FundingRatePoint
	watermarks map[uuid.UUID]time.Time
}

func New() *Store {
	return &Store{
		contracts:  make(map[uuid.UUID]models.Contract),
		byIdentity: make(map[string]uuid.UUID),
		points:     make(map[pointKey]models.FundingRatePoint),
		watermarks: make(map[uuid.UUID]time.Time),
	}
}

func (s *Store) UpsertContract(ctx context.Context, c models.Contract) (models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.Exchange + ":" + c.Key()
	if id, ok := s.byIdentity[key]; ok {
		c.ID = id
	} else {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		s.byIdentity[key] = c.ID
	}
	s.contracts[c.ID] = c
	return c, nil
}

func (s *Store) ListContracts(ctx context.Context, exchange string) ([]models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Contract, 0)
	for _, c := range s.contracts {
		if c.Exchange == exchange {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *Store) SetContractsInactive(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if c, ok := s.contracts[id]; ok {
			c.Active = false
			s.contracts[id] = c
		}
	}
	return nil
}

func (s *Store) UpsertPoints(ctx context.Context, points []models.FundingRatePoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range points {
		key := pointKey{contractID: p.ContractID, ts: p.Timestamp.UnixMilli()}
		if _, exists := s.points[key]; exists {
			continue
		}
		s.points[key] = p
		inserted++
	}
	return inserted, nil
}

func (s *Store) ReadWatermark(ctx context.Context, contractID uuid.UUID) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wm, ok := s.watermarks[contractID]
	return wm, ok, nil
}

func (s *Store) WriteWatermark(ctx context.Context, contractID uuid.UUID, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.watermarks[contractID]; ok && !ts.After(current) {
		return nil
	}
	s.watermarks[contractID] = ts
	return nil
}

func (s *Store) Close() {}

// Points returns the stored points for a contract in timestamp order. Test
// helper, not part of the Store interface.
func (s *Store) Points(contractID uuid.UUID) []models.FundingRatePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.FundingRatePoint, 0)
	for key, p := range s.points {
		if key.contractID == contractID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
