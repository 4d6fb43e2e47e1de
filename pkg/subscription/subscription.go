// Package subscription implements the immutable on-chain subscription model
// and its mutable per-interval response tracking.
package subscription

import (
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel used by the coordinator to mark a subscription's active_at as
// cancelled.
const CancelledSentinel uint32 = 1<<32 - 1

var (
	// ErrInactive is returned by Interval() when the subscription has not
	// started yet (now <= active_at).
	ErrInactive = errors.New("subscription: not yet active")
	// ErrFutureInterval is returned when writing a response count for an
	// interval beyond the subscription's current interval.
	ErrFutureInterval = errors.New("subscription: interval not yet reached")
)

// Subscription is the immutable-identity, mutable-response-state on-chain
// subscription record.
type Subscription struct {
	ID uint32

	// Immutable parameters.
	Owner          common.Address
	ActiveAt       uint32
	Period         uint32
	Frequency      uint32
	Redundancy     uint16
	ContainersHash [32]byte
	Lazy           bool
	Verifier       common.Address
	PaymentAmount  *big.Int
	PaymentToken   common.Address
	Wallet         common.Address

	// Mutable, keyed by interval.
	responses    map[uint32]uint16
	nodeReplied  map[uint32]bool
}

// New constructs a Subscription with empty response-tracking maps.
func New(id uint32, owner common.Address, activeAt, period, frequency uint32, redundancy uint16,
	containersHash [32]byte, lazy bool, verifier common.Address, paymentAmount *big.Int,
	paymentToken, wallet common.Address) *Subscription {
	return &Subscription{
		ID:             id,
		Owner:          owner,
		ActiveAt:       activeAt,
		Period:         period,
		Frequency:      frequency,
		Redundancy:     redundancy,
		ContainersHash: containersHash,
		Lazy:           lazy,
		Verifier:       verifier,
		PaymentAmount:  paymentAmount,
		PaymentToken:   paymentToken,
		Wallet:         wallet,
		responses:      make(map[uint32]uint16),
		nodeReplied:    make(map[uint32]bool),
	}
}

// Clone returns a deep-enough copy so a caller holding a *Subscription can
// never mutate a tracker's tracked state through aliasing.
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.PaymentAmount != nil {
		c.PaymentAmount = new(big.Int).Set(s.PaymentAmount)
	}
	c.responses = make(map[uint32]uint16, len(s.responses))
	for k, v := range s.responses {
		c.responses[k] = v
	}
	c.nodeReplied = make(map[uint32]bool, len(s.nodeReplied))
	for k, v := range s.nodeReplied {
		c.nodeReplied[k] = v
	}
	return &c
}

// Cancelled reports whether the owner cancelled the subscription.
func (s *Subscription) Cancelled() bool {
	return s.ActiveAt == CancelledSentinel
}

// Active reports whether now has passed the subscription's start time.
func (s *Subscription) Active(now uint32) bool {
	return now > s.ActiveAt
}

// Interval computes the current ordinal interval for the given wall-clock
// time. It fails on an inactive subscription: interval is undefined before
// activation.
func (s *Subscription) Interval(now uint32) (uint32, error) {
	if !s.Active(now) {
		return 0, ErrInactive
	}
	if s.Period == 0 {
		return 1, nil
	}
	return (now-s.ActiveAt)/s.Period + 1, nil
}

// LastInterval reports whether interval equals frequency.
func (s *Subscription) LastInterval(interval uint32) bool {
	return interval == s.Frequency
}

// PastLastInterval reports whether interval has passed frequency.
func (s *Subscription) PastLastInterval(interval uint32) bool {
	return interval > s.Frequency
}

// Completed reports whether the final interval has accumulated the required
// redundancy of responses.
func (s *Subscription) Completed(interval uint32) bool {
	if !s.LastInterval(interval) && !s.PastLastInterval(interval) {
		return false
	}
	return s.responses[s.Frequency] == s.Redundancy
}

// RequiresProof reports whether a non-zero verifier is configured.
func (s *Subscription) RequiresProof() bool {
	return s.Verifier != (common.Address{})
}

// ProvidesPayment reports whether a non-zero payment amount is attached.
func (s *Subscription) ProvidesPayment() bool {
	return s.PaymentAmount != nil && s.PaymentAmount.Sign() > 0
}

// ResponseCount returns the tracked response count for interval.
func (s *Subscription) ResponseCount(interval uint32) uint16 {
	return s.responses[interval]
}

// SetResponseCount records the response count for interval. It rejects
// writes for intervals beyond the subscription's current interval.
func (s *Subscription) SetResponseCount(now, interval uint32, count uint16) error {
	cur, err := s.Interval(now)
	if err != nil {
		return err
	}
	if interval > cur {
		return ErrFutureInterval
	}
	s.responses[interval] = count
	return nil
}

// NodeReplied reports whether this node has already delivered a response
// for interval.
func (s *Subscription) NodeReplied(interval uint32) bool {
	return s.nodeReplied[interval]
}

// SetNodeReplied marks this node as having delivered a response for
// interval.
func (s *Subscription) SetNodeReplied(interval uint32) {
	s.nodeReplied[interval] = true
}

// Key returns the composite "id-interval" key used by pending/attempts maps.
func (s *Subscription) Key(interval uint32) string {
	return strconv.FormatUint(uint64(s.ID), 10) + "-" + strconv.FormatUint(uint64(interval), 10)
}
