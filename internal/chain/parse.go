package chain

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrInvalidTxHash  = errors.New("chain: invalid transaction hash")
)

// ParseAddress accepts a 0x-prefixed 20 byte hex address in any letter case.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, ErrInvalidAddress
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// ParseTxHash accepts a 0x-prefixed 32 byte hex hash.
func ParseTxHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !txHashPattern.MatchString(s) {
		return common.Hash{}, ErrInvalidTxHash
	}
	return common.HexToHash(s), nil
}

// NormalizeAddress renders an address the way it is stored: lower-case hex with 0x prefix.
func NormalizeAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}
