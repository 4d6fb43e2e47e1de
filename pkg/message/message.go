// Package message defines the tagged-union messages that flow from the
// Chain Listener and the REST ingress, through the Guardian, to the Chain
// Processor's track() entrypoint.
package message

import (
	"github.com/coriumlabs/compute-node/pkg/subscription"
)

// Kind discriminates the message variants the processor's track()
// dispatches on.
type Kind int

const (
	KindSubscriptionCreated Kind = iota
	KindDelegatedSubscription
	KindOffchainJob
)

// Message is the tagged union the listener, guardian, and REST surface
// exchange with the processor. Exactly one of the payload fields is set,
// matching Kind.
type Message struct {
	Kind Kind

	SubscriptionCreated  *SubscriptionCreated
	DelegatedSubscription *DelegatedSubscription
	OffchainJob          *OffchainJob
}

// SubscriptionCreated wraps a freshly-read on-chain subscription.
type SubscriptionCreated struct {
	Subscription *subscription.Subscription
}

// DelegatedSubscription wraps an off-chain signed subscription awaiting
// either on-chain materialization or direct delivery under its
// (owner, nonce) identity.
type DelegatedSubscription struct {
	Serialized subscription.SerializedSubscription
	Nonce      uint32
	Expiry     uint32
	Signature  []byte
	// ExtraData is opaque job input attached by the submitter alongside the
	// signed subscription.
	ExtraData []byte
}

// OffchainJob wraps a REST-submitted job that never touches the chain.
type OffchainJob struct {
	JobID      string
	Containers []string
	Input      []byte
	RequiresProof bool
}

// NewSubscriptionCreated builds a SubscriptionCreated message.
func NewSubscriptionCreated(sub *subscription.Subscription) Message {
	return Message{Kind: KindSubscriptionCreated, SubscriptionCreated: &SubscriptionCreated{Subscription: sub}}
}

// NewDelegatedSubscription builds a DelegatedSubscription message.
func NewDelegatedSubscription(ser subscription.SerializedSubscription, nonce, expiry uint32, sig, extraData []byte) Message {
	return Message{Kind: KindDelegatedSubscription, DelegatedSubscription: &DelegatedSubscription{
		Serialized: ser, Nonce: nonce, Expiry: expiry, Signature: sig, ExtraData: extraData,
	}}
}

// NewOffchainJob builds an OffchainJob message.
func NewOffchainJob(jobID string, containers []string, input []byte, requiresProof bool) Message {
	return Message{Kind: KindOffchainJob, OffchainJob: &OffchainJob{
		JobID: jobID, Containers: containers, Input: input, RequiresProof: requiresProof,
	}}
}
