package coordinator

import (
	"context"

	"github.com/google/uuid"

	"fundingflow/exchange"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/storage"
)

// ContractSync reconciles one exchange's live listing against the stored
// contract set. A failed listing aborts the whole run; the stored set only
// changes against a complete, successful listing.
type ContractSync struct {
	store    storage.Store
	registry *Registry
	adapter  exchange.Adapter
	log      *logger.Log
}

func NewContractSync(store storage.Store, registry *Registry, adapter exchange.Adapter) *ContractSync {
	return &ContractSync{
		store:    store,
		registry: registry,
		adapter:  adapter,
		log:      logger.Named(adapter.ID()),
	}
}

func (c *ContractSync) Run(ctx context.Context) error {
	exchangeID := c.adapter.ID()
	log := c.log.WithComponent("contract_sync").WithFields(logger.Fields{"exchange": exchangeID})

	listing, err := c.adapter.ListContracts(ctx)
	if err != nil {
		return err
	}

	listed := make(map[string]models.ContractInfo, len(listing))
	for _, info := range listing {
		listed[info.Key()] = info
	}

	known := c.registry.All(exchangeID)
	knownByKey := make(map[string]models.Contract, len(known))
	for _, k := range known {
		knownByKey[k.Key()] = k
	}

	var added, reactivated, updated int
	for key, info := range listed {
		contract, exists := knownByKey[key]
		if !exists {
			contract = models.Contract{
				ID:         uuid.New(),
				Exchange:   exchangeID,
				BaseAsset:  info.BaseAsset,
				QuoteAsset: info.QuoteAsset,
			}
			added++
		} else {
			if !contract.Active {
				reactivated++
			}
			if contract.FundingIntervalHours != info.FundingIntervalHours {
				// interval changes apply to future boundaries only; rows
				// already collected keep their original spacing
				log.WithFields(logger.Fields{
					"contract":     contract.String(),
					"old_interval": contract.FundingIntervalHours,
					"new_interval": info.FundingIntervalHours,
				}).Warn("funding interval changed")
				updated++
			}
		}

		contract.FundingIntervalHours = info.FundingIntervalHours
		contract.Active = true

		stored, err := c.store.UpsertContract(ctx, contract)
		if err != nil {
			return err
		}
		c.registry.Put(stored)
	}

	var absent []uuid.UUID
	for key, contract := range knownByKey {
		if _, ok := listed[key]; ok {
			continue
		}
		if !contract.Active {
			continue
		}
		absent = append(absent, contract.ID)
		contract.Active = false
		c.registry.Put(contract)
		log.WithFields(logger.Fields{"contract": contract.String()}).Info("contract delisted, marking inactive")
	}
	if len(absent) > 0 {
		if err := c.store.SetContractsInactive(ctx, absent); err != nil {
			return err
		}
	}

	logger.IncrementContractsSynced(exchangeID, len(listing))
	log.WithFields(logger.Fields{
		"listed":      len(listing),
		"added":       added,
		"reactivated": reactivated,
		"deactivated": len(absent),
		"interval_changes": updated,
	}).Info("contract sync completed")

	return nil
}
