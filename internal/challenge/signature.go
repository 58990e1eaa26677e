package challenge

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrBadSignature = errors.New("challenge: invalid signature")

// RecoverAddress returns the signer of an EIP-191 personal_sign signature over
// the literal message bytes. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrBadSignature
	}

	hash := accounts.TextHash([]byte(message))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}
