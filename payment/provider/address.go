package provider

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fbsobreira/gotron-sdk/pkg/address"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

// ValidateAddress checks that addr is a well formed receiving address on network.
func ValidateAddress(network, addr string) error {
	switch network {
	case db.NetworkTron:
		if _, err := address.Base58ToAddress(addr); err != nil {
			return fmt.Errorf("tron address %q: %w", addr, errs.ErrBadRequest)
		}
		return nil
	case db.NetworkEthereum:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("ethereum address %q: %w", addr, errs.ErrBadRequest)
		}
		return nil
	}
	return fmt.Errorf("network %q: %w", network, errs.ErrUnsupported)
}

// NormalizeAddress returns the form addresses on network are stored and
// matched in: EIP-55 checksummed hex on Ethereum, unchanged elsewhere.
func NormalizeAddress(network, addr string) string {
	if network == db.NetworkEthereum && common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}
