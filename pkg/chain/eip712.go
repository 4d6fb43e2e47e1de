package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/coriumlabs/compute-node/pkg/subscription"
)

// delegateSubscriptionTypes is the EIP-712 domain and type set a
// delegated subscription's owner signs client-side; the node only ever
// recovers the signer, it never signs this itself.
var delegateSubscriptionTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"DelegateSubscription": {
		{Name: "owner", Type: "address"},
		{Name: "activeAt", Type: "uint32"},
		{Name: "period", Type: "uint32"},
		{Name: "frequency", Type: "uint32"},
		{Name: "redundancy", Type: "uint16"},
		{Name: "containersHash", Type: "bytes32"},
		{Name: "lazy", Type: "bool"},
		{Name: "verifier", Type: "address"},
		{Name: "paymentAmount", Type: "uint256"},
		{Name: "paymentToken", Type: "address"},
		{Name: "wallet", Type: "address"},
		{Name: "nonce", Type: "uint32"},
		{Name: "expiry", Type: "uint32"},
	},
}

const delegateDomainName = "InfernetCoordinator"
const delegateDomainVersion = "1"

// delegateSubscriptionDigest computes the EIP-712 digest a delegated
// subscription's owner must sign over.
func delegateSubscriptionDigest(chainID *big.Int, verifyingContract common.Address, sub *subscription.Subscription, nonce, expiry uint32) ([]byte, error) {
	domain := apitypes.TypedDataDomain{
		Name:              delegateDomainName,
		Version:           delegateDomainVersion,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: verifyingContract.Hex(),
	}
	message := apitypes.TypedDataMessage{
		"owner":          sub.Owner.Hex(),
		"activeAt":       fmt.Sprintf("%d", sub.ActiveAt),
		"period":         fmt.Sprintf("%d", sub.Period),
		"frequency":      fmt.Sprintf("%d", sub.Frequency),
		"redundancy":     fmt.Sprintf("%d", sub.Redundancy),
		"containersHash": sub.ContainersHash[:],
		"lazy":           sub.Lazy,
		"verifier":       sub.Verifier.Hex(),
		"paymentAmount":  sub.PaymentAmount.String(),
		"paymentToken":   sub.PaymentToken.Hex(),
		"wallet":         sub.Wallet.Hex(),
		"nonce":          fmt.Sprintf("%d", nonce),
		"expiry":         fmt.Sprintf("%d", expiry),
	}
	typedData := apitypes.TypedData{
		Types:       delegateSubscriptionTypes,
		PrimaryType: "DelegateSubscription",
		Domain:      domain,
		Message:     message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("chain: eip712 domain hash: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("chain: eip712 message hash: %w", err)
	}
	digest := crypto.Keccak256(append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...))
	return digest, nil
}

// RecoverDelegateeSigner recovers the address that produced sig over the
// EIP-712 digest of a delegated subscription's parameters. sig must be the
// standard 65-byte (r, s, v) signature, v in {0,1,27,28}.
func RecoverDelegateeSigner(chainID *big.Int, verifyingContract common.Address, sub *subscription.Subscription, nonce, expiry uint32, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("chain: eip712: signature must be 65 bytes, got %d", len(sig))
	}
	digest, err := delegateSubscriptionDigest(chainID, verifyingContract, sub, nonce, expiry)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain: eip712: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
