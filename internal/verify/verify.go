// Package verify checks an on-chain stablecoin transfer against a payment claim.
package verify

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

const defaultTimeout = 10 * time.Second

// Claim is what the payer asserts about a transaction.
type Claim struct {
	ChainID        uint64
	TxHash         common.Hash
	Sender         common.Address
	TokenSymbol    string
	ExpectedAmount string
}

// VerifiedTransfer is the decoded transfer that satisfied a claim.
type VerifiedTransfer struct {
	ChainID     uint64
	ChainName   string
	Token       chain.TokenConfig
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
	GasUsed     uint64
}

// ClientSource hands out RPC clients by chain id. *chain.Pool implements it.
type ClientSource interface {
	Client(chainID uint64) (chain.Client, error)
}

// Verifier is stateless apart from its immutable configuration and is safe for concurrent use.
type Verifier struct {
	registry *chain.Registry
	clients  ClientSource
	treasury common.Address
	timeout  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTimeout bounds the RPC calls made by one verification.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// New builds a Verifier paying into treasury.
func New(reg *chain.Registry, clients ClientSource, treasury common.Address, opts ...Option) *Verifier {
	v := &Verifier{
		registry: reg,
		clients:  clients,
		treasury: treasury,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Treasury returns the recipient address every payment must reach.
func (v *Verifier) Treasury() common.Address { return v.treasury }

// Verify fetches the receipt for claim.TxHash and checks it carries a token transfer
// from the claimed sender to the treasury for at least the expected amount.
// It has no side effects and may be retried.
func (v *Verifier) Verify(ctx context.Context, claim Claim) (vt VerifiedTransfer, err error) {
	label := "unknown"
	defer func() {
		code := "ok"
		if err != nil {
			code = string(outcome.CodeOf(err))
			if code == "" {
				code = "error"
			}
		}
		obs.ObservePayment(label, code)
	}()

	chainCfg, err := v.registry.ResolveChain(claim.ChainID)
	if err != nil {
		return VerifiedTransfer{}, outcome.Wrap(outcome.UnsupportedChainOrToken, err, "unsupported chain")
	}
	label = chainCfg.Slug
	token, err := v.registry.ResolveToken(claim.ChainID, claim.TokenSymbol)
	if err != nil {
		return VerifiedTransfer{}, outcome.Wrap(outcome.UnsupportedChainOrToken, err, "unsupported token or chain")
	}
	expected, err := ToBaseUnits(claim.ExpectedAmount, token.Decimals)
	if err != nil {
		return VerifiedTransfer{}, outcome.Wrap(outcome.InvalidClaim, err, "invalid expected amount")
	}
	client, err := v.clients.Client(claim.ChainID)
	if err != nil {
		return VerifiedTransfer{}, outcome.Wrap(outcome.UnsupportedChainOrToken, err, "unsupported chain")
	}

	rpcCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := client.TransactionReceipt(rpcCtx, claim.TxHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return VerifiedTransfer{}, outcome.New(outcome.TransactionNotFound, "transaction not found")
		}
		return VerifiedTransfer{}, outcome.Transient(err, "fetch transaction receipt")
	}
	if receipt == nil {
		return VerifiedTransfer{}, outcome.New(outcome.TransactionNotFound, "transaction not found")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return VerifiedTransfer{}, outcome.New(outcome.TransactionFailed, "transaction failed")
	}

	_, pending, err := client.TransactionByHash(rpcCtx, claim.TxHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return VerifiedTransfer{}, outcome.New(outcome.TransactionNotFound, "transaction details not found")
		}
		return VerifiedTransfer{}, outcome.Transient(err, "fetch transaction")
	}
	if pending {
		return VerifiedTransfer{}, outcome.New(outcome.TransactionNotFound, "transaction is still pending")
	}

	candidates := transferLogs(receipt.Logs, token.Address)
	if len(candidates) == 0 {
		return VerifiedTransfer{}, outcome.New(outcome.NoMatchingTransferEvent, "no transfer event found in transaction")
	}

	// The first candidate that satisfies the claim wins; otherwise report
	// why the first candidate failed.
	var firstErr error
	for _, ev := range candidates {
		if err := v.check(ev, claim.Sender, expected); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var block uint64
		if receipt.BlockNumber != nil {
			block = receipt.BlockNumber.Uint64()
		}
		return VerifiedTransfer{
			ChainID:     chainCfg.ID,
			ChainName:   chainCfg.Name,
			Token:       token,
			TxHash:      claim.TxHash,
			From:        ev.from,
			To:          ev.to,
			Amount:      ev.amount,
			BlockNumber: block,
			GasUsed:     receipt.GasUsed,
		}, nil
	}
	return VerifiedTransfer{}, firstErr
}

func (v *Verifier) check(ev transferEvent, sender common.Address, expected *big.Int) error {
	// Underpayment is reported first, whatever the addresses say.
	if ev.amount.Cmp(expected) < 0 {
		return outcome.New(outcome.InsufficientAmount, "transaction amount is less than expected")
	}
	if ev.from != sender {
		return outcome.New(outcome.SenderMismatch, "transaction sender does not match user address")
	}
	if ev.to != v.treasury {
		return outcome.New(outcome.RecipientMismatch, "transaction recipient does not match payment address")
	}
	return nil
}

type transferEvent struct {
	from   common.Address
	to     common.Address
	amount *big.Int
}

// transferLogs decodes ERC-20 Transfer logs emitted by contract. Logs with the
// Transfer signature but another shape (ERC-721 has a third indexed topic) are skipped.
func transferLogs(logs []*types.Log, contract common.Address) []transferEvent {
	var out []transferEvent
	for _, lg := range logs {
		if lg == nil || lg.Address != contract {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
			continue
		}
		if len(lg.Data) != 32 {
			continue
		}
		out = append(out, transferEvent{
			from:   common.BytesToAddress(lg.Topics[1].Bytes()[12:]),
			to:     common.BytesToAddress(lg.Topics[2].Bytes()[12:]),
			amount: new(big.Int).SetBytes(lg.Data),
		})
	}
	return out
}
