package chain

import "github.com/ethereum/go-ethereum/common"

// Registry is the set of deployed contract addresses the node targets,
// loaded once from configuration at startup.
type Registry struct {
	Coordinator   common.Address
	Reader        common.Address
	WalletFactory common.Address
}

// NewRegistry validates and checksums the three configured addresses.
func NewRegistry(coordinator, reader, walletFactory string) (*Registry, error) {
	addrs := map[string]string{"coordinator": coordinator, "reader": reader, "wallet_factory": walletFactory}
	for name, addr := range addrs {
		if !IsValidAddress(addr) {
			return nil, &InvalidAddressError{Field: name, Value: addr}
		}
	}
	return &Registry{
		Coordinator:   GetChecksumAddress(coordinator),
		Reader:        GetChecksumAddress(reader),
		WalletFactory: GetChecksumAddress(walletFactory),
	}, nil
}

// InvalidAddressError reports a configured address that failed EIP-55
// validation.
type InvalidAddressError struct {
	Field string
	Value string
}

func (e *InvalidAddressError) Error() string {
	return "chain: invalid address for " + e.Field + ": " + e.Value
}
