package subscription

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ContainerLookup resolves a containers hash to the ordered container IDs it
// represents. Implemented by pkg/containerlookup.Lookup.
type ContainerLookup interface {
	Get(hash [32]byte) []string
}

// SerializedSubscription is the wire form of a subscription: containers is
// carried as the already-hashed 32-byte value so that delegated
// subscriptions (never assigned an on-chain id) round-trip without a
// container lookup at serialization time.
type SerializedSubscription struct {
	Owner          common.Address
	ActiveAt       uint32
	Period         uint32
	Frequency      uint32
	Redundancy     uint16
	Containers     [32]byte
	Lazy           bool
	Verifier       common.Address
	PaymentAmount  *big.Int
	PaymentToken   common.Address
	Wallet         common.Address
}

// UnassignedID is the ID Deserialize gives a subscription that has no
// on-chain id yet (-1 is not representable in uint32, so the maximum uint32
// value stands in for it).
const UnassignedID uint32 = 0xFFFFFFFF

// Deserialize returns a Subscription with an unassigned ID that carries the
// containers hash unchanged. lookup is not consulted: the hash is not
// resolved to container IDs here.
func (s *SerializedSubscription) Deserialize(lookup ContainerLookup) *Subscription {
	sub := New(UnassignedID, s.Owner, s.ActiveAt, s.Period, s.Frequency, s.Redundancy,
		s.Containers, s.Lazy, s.Verifier, s.PaymentAmount, s.PaymentToken, s.Wallet)
	return sub
}

// Serialize re-serializes a Subscription, preserving every field except ID.
func Serialize(s *Subscription) *SerializedSubscription {
	var amount *big.Int
	if s.PaymentAmount != nil {
		amount = new(big.Int).Set(s.PaymentAmount)
	}
	return &SerializedSubscription{
		Owner:         s.Owner,
		ActiveAt:      s.ActiveAt,
		Period:        s.Period,
		Frequency:     s.Frequency,
		Redundancy:    s.Redundancy,
		Containers:    s.ContainersHash,
		Lazy:          s.Lazy,
		Verifier:      s.Verifier,
		PaymentAmount: amount,
		PaymentToken:  s.PaymentToken,
		Wallet:        s.Wallet,
	}
}

// String renders the serialized subscription for logging.
func (s *SerializedSubscription) String() string {
	return fmt.Sprintf("SerializedSubscription{owner=%s containers=0x%x period=%d frequency=%d}",
		s.Owner.Hex(), s.Containers, s.Period, s.Frequency)
}
