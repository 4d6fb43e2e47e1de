package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coriumlabs/compute-node/pkg/subscription"
)

// Reader batches subscription and redundancy-count lookups over a block
// range, the read side of the Chain Listener's snapshot sync.
type Reader struct {
	coordinator *Coordinator
}

// NewReader wraps a bound Coordinator.
func NewReader(coordinator *Coordinator) *Reader {
	return &Reader{coordinator: coordinator}
}

// ReadSubscriptionBatch reads every subscription id in [startID, endID] as
// of block, skipping ids the coordinator reports as never-assigned (owner
// is the zero address).
func (r *Reader) ReadSubscriptionBatch(ctx context.Context, startID, endID uint32, block *big.Int) ([]*subscription.Subscription, error) {
	if endID < startID {
		return nil, fmt.Errorf("chain: reader: end id %d before start id %d", endID, startID)
	}
	out := make([]*subscription.Subscription, 0, endID-startID+1)
	for id := startID; id <= endID; id++ {
		sub, err := r.coordinator.GetSubscriptionByID(ctx, id, block)
		if err != nil {
			return nil, fmt.Errorf("chain: reader: subscription %d: %w", id, err)
		}
		if sub.Owner == (common.Address{}) {
			continue
		}
		out = append(out, sub)
		if id == ^uint32(0) {
			break
		}
	}
	return out, nil
}

// ReadRedundancyCountBatch reads the accumulated response count for each
// (ids[i], intervals[i]) pair as of block. len(ids) must equal
// len(intervals).
func (r *Reader) ReadRedundancyCountBatch(ctx context.Context, ids []uint32, intervals []uint32, block *big.Int) (map[uint32]uint16, error) {
	if len(ids) != len(intervals) {
		return nil, fmt.Errorf("chain: reader: %d ids but %d intervals", len(ids), len(intervals))
	}
	out := make(map[uint32]uint16, len(ids))
	for i, id := range ids {
		count, err := r.coordinator.GetSubscriptionResponseCount(ctx, id, intervals[i], block)
		if err != nil {
			return nil, fmt.Errorf("chain: reader: response count %d/%d: %w", id, intervals[i], err)
		}
		out[id] = count
	}
	return out, nil
}
