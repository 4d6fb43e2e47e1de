package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// InfernetError represents a known custom-error revert from the coordinator
// contract, identified by its 4-byte selector.
type InfernetError struct {
	Selector [4]byte
	Name     string
	Message  string
	// InfoLevel marks errors that should be logged at info rather than
	// error level (expected/benign races between nodes).
	InfoLevel bool
}

func (e InfernetError) Error() string { return e.Message }

func selector(signature string) [4]byte {
	hash := crypto.Keccak256([]byte(signature))
	var sel [4]byte
	copy(sel[:], hash[:4])
	return sel
}

func newInfernetError(signature, message string, infoLevel bool) InfernetError {
	return InfernetError{Selector: selector(signature), Name: strings.SplitN(signature, "(", 2)[0], Message: message, InfoLevel: infoLevel}
}

// Known Infernet contract errors, keyed by 4-byte selector. Built once at
// package init, mirroring the topic-hash table event_watcher.go builds for
// its known event set.
var infernetErrorsBySelector = buildInfernetErrorTable()

func buildInfernetErrorTable() map[[4]byte]InfernetError {
	defs := []struct {
		signature string
		message   string
		info      bool
	}{
		{"InvalidWallet()", "wallet is not a valid factory-minted wallet", false},
		{"IntervalMismatch()", "delivery interval does not match the subscription's current interval", false},
		{"IntervalCompleted()", "interval has already reached required redundancy", true},
		{"UnauthorizedVerifier()", "caller is not the subscription's configured verifier", false},
		{"NodeRespondedAlready()", "this node has already delivered a response for this interval", true},
		{"SubscriptionNotFound()", "subscription does not exist", false},
		{"ProofRequestNotFound()", "no matching proof request was found", false},
		{"NotSubscriptionOwner()", "caller is not the subscription owner", false},
		{"SubscriptionCompleted()", "subscription has already completed its final interval", true},
		{"SubscriptionNotActive()", "subscription is not yet active or has been cancelled", false},
		{"UnsupportedVerifierToken()", "verifier does not support the subscription's payment token", false},
		{"SignerMismatch()", "recovered signer does not match the delegated signer", false},
		{"SignatureExpired()", "delegated subscription signature has expired", false},
		{"TransferFailed()", "payment token transfer failed", false},
		{"InsufficientFunds()", "wallet has insufficient native balance", false},
		{"InsufficientAllowance()", "wallet has not approved sufficient token allowance", false},
		{"NodeNotAllowed()", "node is not allow-listed for this subscription", false},
		{"InsufficientBalance()", "wallet has insufficient token balance", false},
	}
	table := make(map[[4]byte]InfernetError, len(defs))
	for _, d := range defs {
		e := newInfernetError(d.signature, d.message, d.info)
		table[e.Selector] = e
	}
	return table
}

// MatchInfernetError looks up a revert's leading 4 bytes in the known
// Infernet error table. ok is false for any other revert shape.
func MatchInfernetError(revertData []byte) (e InfernetError, ok bool) {
	if len(revertData) < 4 {
		return InfernetError{}, false
	}
	var sel [4]byte
	copy(sel[:], revertData[:4])
	e, ok = infernetErrorsBySelector[sel]
	return e, ok
}

// MatchesAllowedSimError reports whether revertMsg case-insensitively
// contains one of the configured allowed-simulation-error substrings.
func MatchesAllowedSimError(revertMsg string, allowed []string) bool {
	lower := strings.ToLower(revertMsg)
	for _, a := range allowed {
		if a == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(a)) {
			return true
		}
	}
	return false
}
