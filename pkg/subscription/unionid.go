package subscription

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// UnionID identifies a tracked unit: either a positive on-chain
// SubscriptionID, or a delegated (owner, nonce) pair not yet assigned one.
type UnionID struct {
	// SubscriptionID is set (IsDelegated == false) for on-chain subscriptions.
	SubscriptionID uint32
	// Owner/Nonce are set (IsDelegated == true) for delegated subscriptions.
	Owner   common.Address
	Nonce   uint32
	IsDelegated bool
}

// FromSubscriptionID builds a UnionID for an on-chain subscription.
func FromSubscriptionID(id uint32) UnionID {
	return UnionID{SubscriptionID: id}
}

// FromDelegate builds a UnionID for a delegated (owner, nonce) pair.
func FromDelegate(owner common.Address, nonce uint32) UnionID {
	return UnionID{Owner: owner, Nonce: nonce, IsDelegated: true}
}

// Key returns the composite map key used for maps keyed by UnionID:
// "owner-nonce" for delegated units, the decimal id otherwise.
func (u UnionID) Key() string {
	if u.IsDelegated {
		return u.Owner.Hex() + "-" + strconv.FormatUint(uint64(u.Nonce), 10)
	}
	return strconv.FormatUint(uint64(u.SubscriptionID), 10)
}

// IntervalKey suffixes the UnionID key with "-interval"; for an on-chain id
// this is the same "id-interval" form as Subscription.Key.
func (u UnionID) IntervalKey(interval uint32) string {
	return u.Key() + "-" + strconv.FormatUint(uint64(interval), 10)
}
