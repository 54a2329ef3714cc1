// Package registry wires the concrete exchange adapters together so the
// entrypoints can look them up by identifier.
package registry

import (
	"sort"

	"fundingflow/config"
	"fundingflow/exchange"
	"fundingflow/exchange/binance"
	"fundingflow/exchange/bybit"
	"fundingflow/exchange/hyperliquid"
	"fundingflow/exchange/kucoin"
)

// Build constructs every supported adapter from the configuration.
func Build(cfg *config.Config) map[string]exchange.Adapter {
	return map[string]exchange.Adapter{
		binance.ExchangeID:     binance.New(cfg),
		bybit.ExchangeID:       bybit.New(cfg),
		kucoin.ExchangeID:      kucoin.New(cfg),
		hyperliquid.ExchangeID: hyperliquid.New(cfg),
	}
}

// IDs returns the supported exchange identifiers in sorted order.
func IDs() []string {
	ids := []string{binance.ExchangeID, bybit.ExchangeID, kucoin.ExchangeID, hyperliquid.ExchangeID}
	sort.Strings(ids)
	return ids
}
