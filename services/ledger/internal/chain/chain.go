// Package chain validates chain identifiers and on-chain values for the
// networks the wallet watches.
package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	ETH = "eth"
	BNB = "bnb"

	TokenNative = "native"
	TokenERC20  = "erc20"
	TokenBEP20  = "bep20"
)

var (
	ErrUnsupported    = errors.New("unsupported chain or token type")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidTxHash  = errors.New("invalid transaction hash")
)

var supported = map[string]map[string]struct{}{
	ETH: {TokenNative: {}, TokenERC20: {}},
	BNB: {TokenNative: {}, TokenBEP20: {}},
}

func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidatePair reports whether tokenType is watched on chainID.
func ValidatePair(chainID, tokenType string) error {
	tokens, ok := supported[Normalize(chainID)]
	if !ok {
		return fmt.Errorf("%w: chain %q", ErrUnsupported, chainID)
	}
	if _, ok := tokens[Normalize(tokenType)]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnsupported, chainID, tokenType)
	}
	return nil
}

func IsSupported(chainID string) bool {
	_, ok := supported[Normalize(chainID)]
	return ok
}

// ValidateAddress checks the address format. Every supported chain is
// EVM-compatible.
func ValidateAddress(chainID, address string) error {
	if !IsSupported(chainID) {
		return fmt.Errorf("%w: chain %q", ErrUnsupported, chainID)
	}
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return nil
}

// ChecksumAddress returns the EIP-55 form of a valid address.
func ChecksumAddress(address string) string {
	return common.HexToAddress(strings.TrimSpace(address)).Hex()
}

func ValidateTxHash(hash string) error {
	raw, err := hexutil.Decode(strings.TrimSpace(hash))
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	return nil
}

// NormalizeTxHash lower-cases a hash so the same transaction always maps to
// the same dedup key.
func NormalizeTxHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
