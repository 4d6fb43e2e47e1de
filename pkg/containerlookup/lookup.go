// Package containerlookup builds, once at startup, the map from a
// containers-hash to the ordered container-ID permutation it represents.
package containerlookup

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Lookup is a pure function over the configured container-ID set, built once
// at startup. It mirrors the on-chain encoding a consumer contract uses to
// express "run container pipeline X": keccak256(abiEncode(string,
// join(permutation, ","))) for every ordered permutation of every non-empty
// subset of the configured IDs.
type Lookup struct {
	byHash map[[32]byte][]string
}

// New builds the lookup table from the configured container IDs. With zero
// configured containers the table is empty and every Get misses.
func New(containerIDs []string) *Lookup {
	l := &Lookup{byHash: make(map[[32]byte][]string)}
	n := len(containerIDs)
	if n == 0 {
		return l
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	for k := 1; k <= n; k++ {
		permuteK(indices, k, func(perm []int) {
			ordered := make([]string, k)
			for i, idx := range perm {
				ordered[i] = containerIDs[idx]
			}
			hash := hashJoin(ordered)
			l.byHash[hash] = ordered
		})
	}
	return l
}

// Get returns the container IDs in pipeline order for hash, or an empty
// slice on miss.
func (l *Lookup) Get(hash [32]byte) []string {
	perm, ok := l.byHash[hash]
	if !ok {
		return []string{}
	}
	out := make([]string, len(perm))
	copy(out, perm)
	return out
}

// Hash computes the on-chain containers hash for an ordered container-ID
// sequence: keccak256(abiEncode(string, join(ids, ","))).
func Hash(ids []string) [32]byte {
	return hashJoin(ids)
}

func hashJoin(ids []string) [32]byte {
	joined := strings.Join(ids, ",")
	stringTy, _ := abi.NewType("string", "", nil)
	args := abi.Arguments{{Type: stringTy}}
	packed, err := args.Pack(joined)
	if err != nil {
		// abi.Pack of a single string argument cannot fail.
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

// permuteK enumerates every ordered permutation of length k drawn from
// indices (without repetition), invoking visit with each permutation.
func permuteK(indices []int, k int, visit func(perm []int)) {
	n := len(indices)
	used := make([]bool, n)
	current := make([]int, 0, k)

	var rec func()
	rec = func() {
		if len(current) == k {
			visit(current)
			return
		}
		for i := 0; i < n; i++ {
			if used[i] {
				continue
			}
			used[i] = true
			current = append(current, indices[i])
			rec()
			current = current[:len(current)-1]
			used[i] = false
		}
	}
	rec()
}
