package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// RevertError wraps a failed eth_call, carrying the raw revert data (if the
// node exposed it) alongside the error message used for allowed-sim-error
// substring matching.
type RevertError struct {
	raw     []byte
	message string
}

func (e *RevertError) Error() string { return e.message }

// NewRevertError constructs a RevertError directly, for tests that need to
// craft a canned revert without going through a live eth_call.
func NewRevertError(raw []byte, message string) *RevertError {
	return &RevertError{raw: raw, message: message}
}

// Data returns the raw ABI-encoded revert payload, or nil if the RPC
// endpoint didn't surface one.
func (e *RevertError) Data() []byte { return e.raw }

// simulate eth_calls data against to from the given sender, without
// submitting a transaction, so the processor's gates can inspect a would-be
// delivery's revert before spending gas on it.
func (r *RPC) simulate(ctx context.Context, from, to common.Address, data []byte) error {
	_, err := r.client.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err == nil {
		return nil
	}
	return &RevertError{raw: extractRevertData(err), message: err.Error()}
}

// extractRevertData pulls the hex-encoded revert payload out of a JSON-RPC
// error, if the endpoint attached one as the error's "data" field.
func extractRevertData(err error) []byte {
	var de interface{ ErrorData() interface{} }
	if !errors.As(err, &de) {
		return nil
	}
	s, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	b, decErr := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if decErr != nil {
		return nil
	}
	return b
}

// SimulateDeliverCompute eth_calls deliverCompute under the wallet's address
// without submitting, so the processor can inspect a revert before paying
// for gas estimation.
func (c *Coordinator) SimulateDeliverCompute(ctx context.Context, from common.Address, p DeliverComputeParams) error {
	data, err := packCoordinator("deliverCompute", p.ID, p.Interval, p.Input, p.Output, p.Proof, p.NodeWallet)
	if err != nil {
		return fmt.Errorf("chain: pack deliverCompute: %w", err)
	}
	return c.rpc.simulate(ctx, from, c.addr, data)
}

// SimulateDeliverComputeDelegatee is SimulateDeliverCompute's delegated-
// subscription counterpart.
func (c *Coordinator) SimulateDeliverComputeDelegatee(ctx context.Context, from common.Address, p DeliverComputeDelegateeParams) error {
	subTuple := []interface{}{
		p.Sub.Owner, p.Sub.ActiveAt, p.Sub.Period, p.Sub.Frequency, p.Sub.Redundancy, p.Sub.ContainersHash,
		p.Sub.Lazy, p.Sub.Verifier, p.Sub.PaymentAmount, p.Sub.PaymentToken, p.Sub.Wallet,
	}
	data, err := packCoordinator("deliverComputeDelegatee", subTuple, p.Nonce, p.Expiry, p.Signature, p.Input, p.Output, p.Proof, p.NodeWallet)
	if err != nil {
		return fmt.Errorf("chain: pack deliverComputeDelegatee: %w", err)
	}
	return c.rpc.simulate(ctx, from, c.addr, data)
}
