package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coriumlabs/compute-node/pkg/subscription"
)

// coordinatorABI carries only the methods the node actually calls. The node
// has no compile-time dependency on the coordinator's full ABI or a
// generated binding; unknown methods are simply never packed.
const coordinatorABI = `[
	{"name":"head","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint32"}]},
	{"name":"subscriptions","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint32"}],
	 "outputs":[
		{"name":"owner","type":"address"},{"name":"activeAt","type":"uint32"},{"name":"period","type":"uint32"},
		{"name":"frequency","type":"uint32"},{"name":"redundancy","type":"uint16"},{"name":"containersHash","type":"bytes32"},
		{"name":"lazy","type":"bool"},{"name":"verifier","type":"address"},{"name":"paymentAmount","type":"uint256"},
		{"name":"paymentToken","type":"address"},{"name":"wallet","type":"address"}]},
	{"name":"nodeRespondedAlready","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint32"},{"name":"interval","type":"uint32"},{"name":"node","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"name":"responseCount","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint32"},{"name":"interval","type":"uint32"}],"outputs":[{"name":"","type":"uint16"}]},
	{"name":"delegatedSigner","type":"function","stateMutability":"view",
	 "inputs":[{"name":"sub","type":"address"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"existingDelegateSubscription","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"nonce","type":"uint32"},{"name":"sig","type":"bytes"}],
	 "outputs":[{"name":"exists","type":"bool"},{"name":"id","type":"uint32"}]},
	{"name":"deliverCompute","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint32"},{"name":"interval","type":"uint32"},{"name":"input","type":"bytes"},
		{"name":"output","type":"bytes"},{"name":"proof","type":"bytes"},{"name":"nodeWallet","type":"address"}],
	 "outputs":[]},
	{"name":"deliverComputeDelegatee","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"sub","type":"tuple","components":[
		{"name":"owner","type":"address"},{"name":"activeAt","type":"uint32"},{"name":"period","type":"uint32"},
		{"name":"frequency","type":"uint32"},{"name":"redundancy","type":"uint16"},{"name":"containersHash","type":"bytes32"},
		{"name":"lazy","type":"bool"},{"name":"verifier","type":"address"},{"name":"paymentAmount","type":"uint256"},
		{"name":"paymentToken","type":"address"},{"name":"wallet","type":"address"}]},
		{"name":"nonce","type":"uint32"},{"name":"expiry","type":"uint32"},{"name":"sig","type":"bytes"},
		{"name":"input","type":"bytes"},{"name":"output","type":"bytes"},{"name":"proof","type":"bytes"},
		{"name":"nodeWallet","type":"address"}],
	 "outputs":[]},
	{"name":"getContainerInputs","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint32"},{"name":"interval","type":"uint32"},{"name":"timestamp","type":"uint32"},
		{"name":"caller","type":"address"}],
	 "outputs":[{"name":"","type":"bytes"}]}
]`

// Coordinator is the typed read/write surface over the coordinator
// contract, built on RPC's generic ABI-call machinery.
type Coordinator struct {
	rpc  *RPC
	addr common.Address
}

// NewCoordinator binds a Coordinator to the given deployed address.
func NewCoordinator(rpc *RPC, addr common.Address) *Coordinator {
	return &Coordinator{rpc: rpc, addr: addr}
}

func (c *Coordinator) call(ctx context.Context, method string, block *big.Int, params ...interface{}) ([]interface{}, error) {
	if block == nil {
		return c.rpc.Call(ctx, c.addr, coordinatorABI, method, params...)
	}
	return c.rpc.CallAt(ctx, c.addr, coordinatorABI, method, block, params...)
}

// GetHeadSubscriptionID returns the coordinator's highest assigned
// subscription id as of block (nil for latest).
func (c *Coordinator) GetHeadSubscriptionID(ctx context.Context, block *big.Int) (uint32, error) {
	out, err := c.call(ctx, "head", block)
	if err != nil {
		return 0, fmt.Errorf("chain: coordinator head: %w", err)
	}
	return asUint32(out, 0)
}

// GetSubscriptionByID reads a full subscription record as of block (nil for
// latest), constructing a fresh Subscription with empty response-tracking
// state.
func (c *Coordinator) GetSubscriptionByID(ctx context.Context, id uint32, block *big.Int) (*subscription.Subscription, error) {
	out, err := c.call(ctx, "subscriptions", block, id)
	if err != nil {
		return nil, fmt.Errorf("chain: coordinator subscriptions(%d): %w", id, err)
	}
	if len(out) != 11 {
		return nil, fmt.Errorf("chain: coordinator subscriptions(%d): unexpected output shape (%d fields)", id, len(out))
	}
	owner, _ := out[0].(common.Address)
	activeAt, _ := asUint32(out[1:2], 0)
	period, _ := asUint32(out[2:3], 0)
	frequency, _ := asUint32(out[3:4], 0)
	redundancy, _ := out[4].(uint16)
	var containersHash [32]byte
	if b, ok := out[5].([32]byte); ok {
		containersHash = b
	}
	lazy, _ := out[6].(bool)
	verifier, _ := out[7].(common.Address)
	paymentAmount, _ := out[8].(*big.Int)
	paymentToken, _ := out[9].(common.Address)
	wallet, _ := out[10].(common.Address)

	return subscription.New(id, owner, activeAt, period, frequency, redundancy, containersHash,
		lazy, verifier, paymentAmount, paymentToken, wallet), nil
}

// GetNodeHasDeliveredResponse reports whether node already delivered a
// response for (id, interval) as of block.
func (c *Coordinator) GetNodeHasDeliveredResponse(ctx context.Context, id, interval uint32, node common.Address, block *big.Int) (bool, error) {
	out, err := c.call(ctx, "nodeRespondedAlready", block, id, interval, node)
	if err != nil {
		return false, fmt.Errorf("chain: coordinator nodeRespondedAlready(%d,%d): %w", id, interval, err)
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: coordinator nodeRespondedAlready(%d,%d): unexpected output type", id, interval)
	}
	return b, nil
}

// GetSubscriptionResponseCount reads the accumulated response count for
// (id, interval) as of block (nil for latest).
func (c *Coordinator) GetSubscriptionResponseCount(ctx context.Context, id, interval uint32, block *big.Int) (uint16, error) {
	out, err := c.call(ctx, "responseCount", block, id, interval)
	if err != nil {
		return 0, fmt.Errorf("chain: coordinator responseCount(%d,%d): %w", id, interval, err)
	}
	n, ok := out[0].(uint16)
	if !ok {
		return 0, fmt.Errorf("chain: coordinator responseCount(%d,%d): unexpected output type", id, interval)
	}
	return n, nil
}

// GetDelegatedSigner returns the signer address a delegated-subscription
// owner has authorized, as of block.
func (c *Coordinator) GetDelegatedSigner(ctx context.Context, owner common.Address, block *big.Int) (common.Address, error) {
	out, err := c.call(ctx, "delegatedSigner", block, owner)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: coordinator delegatedSigner(%s): %w", owner.Hex(), err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: coordinator delegatedSigner(%s): unexpected output type", owner.Hex())
	}
	return addr, nil
}

// GetExistingDelegateSubscription reports whether a delegated subscription
// with this signature has already been minted an on-chain id.
func (c *Coordinator) GetExistingDelegateSubscription(ctx context.Context, owner common.Address, nonce uint32, sig []byte, block *big.Int) (exists bool, id uint32, err error) {
	out, err := c.call(ctx, "existingDelegateSubscription", block, owner, nonce, sig)
	if err != nil {
		return false, 0, fmt.Errorf("chain: coordinator existingDelegateSubscription: %w", err)
	}
	if len(out) != 2 {
		return false, 0, fmt.Errorf("chain: coordinator existingDelegateSubscription: unexpected output shape")
	}
	exists, _ = out[0].(bool)
	id, _ = asUint32(out[1:2], 0)
	return exists, id, nil
}

// DeliverComputeParams bundles a regular (non-delegated) delivery's
// arguments.
type DeliverComputeParams struct {
	ID         uint32
	Interval   uint32
	Input      []byte
	Output     []byte
	Proof      []byte
	NodeWallet common.Address
}

// DeliverCompute submits a delivery for a regularly-tracked subscription
// through wallet, returning the submitted transaction for the caller to
// poll via RPC.GetTxSuccessWithRetries.
func (c *Coordinator) DeliverCompute(ctx context.Context, wallet *Wallet, p DeliverComputeParams) (*types.Transaction, error) {
	data, err := packCoordinator("deliverCompute", p.ID, p.Interval, p.Input, p.Output, p.Proof, p.NodeWallet)
	if err != nil {
		return nil, fmt.Errorf("chain: pack deliverCompute: %w", err)
	}
	return wallet.Submit(ctx, c.addr, data)
}

// DeliverComputeDelegateeParams bundles a delegated-subscription delivery's
// arguments, including the subscription parameters themselves (delegated
// subscriptions are minted lazily by the first successful delivery).
type DeliverComputeDelegateeParams struct {
	Sub        *subscription.Subscription
	Nonce      uint32
	Expiry     uint32
	Signature  []byte
	Input      []byte
	Output     []byte
	Proof      []byte
	NodeWallet common.Address
}

// DeliverComputeDelegatee submits a delivery for a not-yet-minted delegated
// subscription.
func (c *Coordinator) DeliverComputeDelegatee(ctx context.Context, wallet *Wallet, p DeliverComputeDelegateeParams) (*types.Transaction, error) {
	subTuple := []interface{}{
		p.Sub.Owner, p.Sub.ActiveAt, p.Sub.Period, p.Sub.Frequency, p.Sub.Redundancy, p.Sub.ContainersHash,
		p.Sub.Lazy, p.Sub.Verifier, p.Sub.PaymentAmount, p.Sub.PaymentToken, p.Sub.Wallet,
	}
	data, err := packCoordinator("deliverComputeDelegatee", subTuple, p.Nonce, p.Expiry, p.Signature, p.Input, p.Output, p.Proof, p.NodeWallet)
	if err != nil {
		return nil, fmt.Errorf("chain: pack deliverComputeDelegatee: %w", err)
	}
	return wallet.Submit(ctx, c.addr, data)
}

// GetContainerInputs fetches the container pipeline's ABI-encoded input for
// (id, interval) as of now, as caller. A contract revert (the coordinator
// doesn't support this sub's container set) is reported as 0x rather than
// an error, matching the on-chain contract's own fallback behavior.
func (c *Coordinator) GetContainerInputs(ctx context.Context, id, interval, now uint32, caller common.Address) ([]byte, error) {
	out, err := c.call(ctx, "getContainerInputs", nil, id, interval, now, caller)
	if err != nil {
		return []byte{}, nil
	}
	b, ok := out[0].([]byte)
	if !ok {
		return []byte{}, nil
	}
	return b, nil
}

// packCoordinator ABI-encodes a call to the coordinator contract without
// going through RPC, since the submitting wallet (not a read call) needs the
// raw calldata.
func packCoordinator(method string, params ...interface{}) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(coordinatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return parsed.Pack(method, params...)
}

func asUint32(out []interface{}, idx int) (uint32, error) {
	if idx >= len(out) {
		return 0, fmt.Errorf("chain: output index %d out of range", idx)
	}
	switch v := out[idx].(type) {
	case uint32:
		return v, nil
	case *big.Int:
		return uint32(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("chain: unexpected type %T for uint32 output", v)
	}
}
