// Package chain is the typed chain adapter: thin, generic reads/writes
// against the coordinator, reader, registry, and wallet-factory contracts,
// built directly on go-ethereum rather than generated contract bindings (the
// node has no compile-time dependency on a specific coordinator ABI version).
package chain

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var lowerHexAddrRE = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
var hexAddrRE = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// RPC wraps a single JSON-RPC connection with the chain-agnostic helpers the
// rest of the node needs: address validation/checksumming, ABI keccak
// hashing, head-block reads, balance probes, and tx-success polling.
type RPC struct {
	client  *ethclient.Client
	chainID *big.Int
}

// NewRPC dials url and wraps the resulting client.
func NewRPC(ctx context.Context, url string, chainID int64) (*RPC, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &RPC{client: client, chainID: big.NewInt(chainID)}, nil
}

// Client exposes the underlying ethclient for callers that need typed
// bindings (event log filtering, etc).
func (r *RPC) Client() *ethclient.Client { return r.client }

// ChainID returns the configured chain id.
func (r *RPC) ChainID() *big.Int { return r.chainID }

// IsValidAddress reports whether s is a strict EIP-55 checksummed address or
// an all-lowercase 20-byte hex address.
func IsValidAddress(s string) bool {
	if lowerHexAddrRE.MatchString(s) {
		return true
	}
	if !hexAddrRE.MatchString(s) {
		return false
	}
	return s == checksum(s)
}

// GetChecksumAddress EIP-55 checksums s. Callers should validate with
// IsValidAddress first if the input is untrusted.
func GetChecksumAddress(s string) common.Address {
	return common.HexToAddress(s)
}

func checksum(s string) string {
	return common.HexToAddress(s).Hex()
}

// Keccak ABI-encodes values per types then hashes the packed result, the
// same encoding a coordinator contract uses to derive storage keys and
// containers hashes.
func Keccak(types []string, values []interface{}) ([32]byte, error) {
	if len(types) != len(values) {
		return [32]byte{}, fmt.Errorf("chain: keccak: %d types but %d values", len(types), len(values))
	}
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		abiType, err := abi.NewType(t, "", nil)
		if err != nil {
			return [32]byte{}, fmt.Errorf("chain: keccak: type %q: %w", t, err)
		}
		args[i] = abi.Argument{Type: abiType}
	}
	packed, err := args.Pack(values...)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chain: keccak: pack: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// GetHeadBlockNumber returns the current chain head.
func (r *RPC) GetHeadBlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: head block number: %w", err)
	}
	return n, nil
}

// GetTxSuccess reads a transaction's receipt. found is false if the receipt
// is not yet available or the lookup errored; success reflects
// receipt.Status==1 when found.
func (r *RPC) GetTxSuccess(ctx context.Context, tx common.Hash) (found, success bool) {
	receipt, err := r.client.TransactionReceipt(ctx, tx)
	if err != nil {
		return false, false
	}
	return true, receipt.Status == types.ReceiptStatusSuccessful
}

// GetTxSuccessWithRetries polls GetTxSuccess up to retries times, sleeping
// sleepMS between attempts, returning on the first found result.
func (r *RPC) GetTxSuccessWithRetries(ctx context.Context, tx common.Hash, retries int, sleepMS time.Duration) (found, success bool) {
	for i := 0; i < retries; i++ {
		if found, success = r.GetTxSuccess(ctx, tx); found {
			return found, success
		}
		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(sleepMS):
		}
	}
	return false, false
}

// GetBalance returns the native-token balance of addr.
func (r *RPC) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := r.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance of %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// Erc20Balance returns addr's balance of the ERC-20 token at token.
func (r *RPC) Erc20Balance(ctx context.Context, addr, token common.Address) (*big.Int, error) {
	out, err := r.Call(ctx, token, erc20BalanceOfABI, "balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("chain: erc20 balance: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("chain: erc20 balance: unexpected output shape")
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: erc20 balance: unexpected output type %T", out[0])
	}
	return bal, nil
}

// Call makes a read-only contract call against a raw ABI fragment, without
// requiring a generated binding.
func (r *RPC) Call(ctx context.Context, contractAddr common.Address, abiJSON, method string, params ...interface{}) ([]interface{}, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	data, err := parsed.Pack(method, params...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &contractAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

// CallAt behaves like Call but against a specific historical block.
func (r *RPC) CallAt(ctx context.Context, contractAddr common.Address, abiJSON, method string, block *big.Int, params ...interface{}) ([]interface{}, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	data, err := parsed.Pack(method, params...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &contractAddr, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s at %v: %w", method, block, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}
