package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func ethCallMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

// Wallet submits transactions on behalf of the node's configured private
// key. Submission is serialized through txLock: the nonce must be read and
// incremented under a single writer.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	rpc     *RPC

	txLock sync.Mutex
}

// NewWallet derives the wallet's address from the given private key.
func NewWallet(rpc *RPC, key *ecdsa.PrivateKey) *Wallet {
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		panic("chain: invalid private key")
	}
	return &Wallet{key: key, address: crypto.PubkeyToAddress(*pub), rpc: rpc}
}

// Address returns the node's signing address.
func (w *Wallet) Address() common.Address { return w.address }

// Submit signs and broadcasts a transaction to contractAddr carrying data.
// The tx lock is scoped to the read-nonce/sign/send sequence, not to the
// receipt wait.
func (w *Wallet) Submit(ctx context.Context, contractAddr common.Address, data []byte) (*types.Transaction, error) {
	w.txLock.Lock()
	defer w.txLock.Unlock()

	nonce, err := w.rpc.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("chain: wallet nonce: %w", err)
	}
	gasTipCap, err := w.rpc.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: wallet gas tip: %w", err)
	}
	head, err := w.rpc.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: wallet head header: %w", err)
	}
	gasFeeCap := new(big.Int).Add(gasTipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	msg := ethCallMsg(w.address, contractAddr, data)
	gasLimit, err := w.rpc.client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("chain: wallet estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.rpc.ChainID(),
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit + gasLimit/5,
		To:        &contractAddr,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.rpc.ChainID()), w.key)
	if err != nil {
		return nil, fmt.Errorf("chain: wallet sign tx: %w", err)
	}
	if err := w.rpc.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: wallet send tx: %w", err)
	}
	return signed, nil
}

// WalletChecker validates the node-configured wallet against the factory
// and the subscription's declared payment requirements, mirroring the
// coordinator's own on-chain checks so the node can reject unpayable
// subscriptions before spending gas on a doomed delivery.
type WalletChecker struct {
	rpc         *RPC
	factoryAddr common.Address

	paymentAddr       common.Address
	containerPayments map[string]map[common.Address]*big.Int

	mu sync.RWMutex
}

// NewWalletChecker configures the node's escrow payment address and, per
// container, the minimum amount of each accepted payment token it requires
// per response.
func NewWalletChecker(rpc *RPC, factoryAddr, paymentAddr common.Address, containerPayments map[string]map[common.Address]*big.Int) *WalletChecker {
	if containerPayments == nil {
		containerPayments = make(map[string]map[common.Address]*big.Int)
	}
	return &WalletChecker{rpc: rpc, factoryAddr: factoryAddr, paymentAddr: paymentAddr, containerPayments: containerPayments}
}

const walletFactoryABI = `[{"name":"isValidWallet","type":"function","stateMutability":"view",
	"inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"","type":"bool"}]}]`

// IsValidWallet confirms addr was minted by the configured wallet factory.
func (wc *WalletChecker) IsValidWallet(ctx context.Context, addr common.Address) (bool, error) {
	out, err := wc.rpc.Call(ctx, wc.factoryAddr, walletFactoryABI, "isValidWallet", addr)
	if err != nil {
		return false, fmt.Errorf("chain: isValidWallet(%s): %w", addr.Hex(), err)
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// MatchesPaymentRequirements reports whether amount of token is enough to
// pay every container in containers for one response. A subscription that
// offers no payment always matches (nothing to check). Otherwise the node
// must have a configured escrow payment address, every named container
// must have a configured minimum for token, and amount must cover the sum
// of those minimums.
func (wc *WalletChecker) MatchesPaymentRequirements(token common.Address, amount *big.Int, containers []string) bool {
	if amount == nil || amount.Sign() == 0 {
		return true
	}
	wc.mu.RLock()
	defer wc.mu.RUnlock()

	if wc.paymentAddr == (common.Address{}) {
		return false
	}
	sum := new(big.Int)
	for _, c := range containers {
		minimums, ok := wc.containerPayments[c]
		if !ok {
			return false
		}
		min, ok := minimums[token]
		if !ok {
			return false
		}
		sum.Add(sum, min)
	}
	return amount.Cmp(sum) >= 0
}

// HasEnoughBalance reports whether wallet holds at least amount of token
// (native asset when token is the zero address).
func (wc *WalletChecker) HasEnoughBalance(ctx context.Context, wallet, token common.Address, amount *big.Int) (bool, error) {
	var (
		bal *big.Int
		err error
	)
	if token == (common.Address{}) {
		bal, err = wc.rpc.GetBalance(ctx, wallet)
	} else {
		bal, err = wc.rpc.Erc20Balance(ctx, wallet, token)
	}
	if err != nil {
		return false, err
	}
	return bal.Cmp(amount) >= 0, nil
}
