package config

import (
	"fmt"
	"sort"
)

// ValidatePartition checks the (total, index) pair supplied by the operator.
// There is no runtime negotiation between instances, so a bad pair is fatal:
// two instances sharing an index would poll the same exchanges twice.
func ValidatePartition(total, index int) error {
	if total <= 0 {
		return fmt.Errorf("instance.total must be greater than 0, got %d", total)
	}
	if index < 0 {
		return fmt.Errorf("instance.index must be >= 0, got %d", index)
	}
	if index >= total {
		return fmt.Errorf("instance.index must be less than instance.total (%d >= %d)", index, total)
	}
	return nil
}

// PartitionExchanges returns the subset of exchange IDs owned by instance
// `index` of `total`. IDs are sorted lexicographically first so the
// assignment is stable regardless of registration or configuration order;
// instance i owns every ID whose sorted position k satisfies k mod total == i.
//
// Pure function: the union over all indexes is the full set and the subsets
// are disjoint, which is what stands in for a distributed lock.
func PartitionExchanges(exchangeIDs []string, total, index int) ([]string, error) {
	if err := ValidatePartition(total, index); err != nil {
		return nil, err
	}

	sorted := make([]string, len(exchangeIDs))
	copy(sorted, exchangeIDs)
	sort.Strings(sorted)

	assigned := make([]string, 0, (len(sorted)+total-1)/total)
	for k, id := range sorted {
		if k%total == index {
			assigned = append(assigned, id)
		}
	}
	return assigned, nil
}
