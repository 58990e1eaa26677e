// Package payment turns a verified on-chain transfer, or a hosted-checkout
// notification, into exactly one credit ledger grant.
package payment

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Crypto-SI/wafflepayment/internal/audit"
	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
	"github.com/Crypto-SI/wafflepayment/internal/verify"
)

const defaultGrantTimeout = 10 * time.Second

// Claim is a client's assertion that a transaction paid for a package.
type Claim struct {
	ChainID         uint64
	TxHash          common.Hash
	ClaimedSender   common.Address
	TokenSymbol     string
	ExpectedAmount  string
	ExpectedCredits int64
}

// Hint carries the caller's authenticated identity, if any.
type Hint struct {
	IdentityID string
}

// Outcome is the successful result of VerifyAndCredit. Status is Granted for
// the first call and AlreadyProcessed for every replay.
type Outcome struct {
	Status     ledger.GrantStatus
	IdentityID string
	Credits    int64
	Balance    int64
	Entry      ledger.Entry
	Transfer   verify.VerifiedTransfer
}

// TransferVerifier is satisfied by *verify.Verifier.
type TransferVerifier interface {
	Verify(ctx context.Context, claim verify.Claim) (verify.VerifiedTransfer, error)
}

// IdentityResolver is satisfied by *identity.Resolver.
type IdentityResolver interface {
	Resolve(ctx context.Context, wallet common.Address, mode identity.Mode) (identity.Identity, error)
	ResolveEmail(ctx context.Context, email string, mode identity.Mode) (identity.Identity, error)
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// Orchestrator sequences verification, identity resolution and the grant.
// Verification always completes before any ledger mutation.
type Orchestrator struct {
	verifier        TransferVerifier
	identities      IdentityResolver
	ledger          ledger.Service
	catalog         *Catalog
	enforceCatalog  bool
	allowWalletOnly bool
	grantTimeout    time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCatalog replaces the package catalog; enforce rejects claims that match no package.
func WithCatalog(c *Catalog, enforce bool) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.catalog = c
		}
		o.enforceCatalog = enforce
	}
}

// WithWalletOnlyClaims lets unauthenticated callers be resolved from the verified sender.
func WithWalletOnlyClaims(allow bool) Option {
	return func(o *Orchestrator) { o.allowWalletOnly = allow }
}

// WithGrantTimeout bounds the detached ledger write.
func WithGrantTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.grantTimeout = d
		}
	}
}

func NewOrchestrator(v TransferVerifier, ids IdentityResolver, l ledger.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		verifier:        v,
		identities:      ids,
		ledger:          l,
		catalog:         DefaultCatalog(),
		enforceCatalog:  true,
		allowWalletOnly: true,
		grantTimeout:    defaultGrantTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Catalog returns the configured packages.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// ExternalID is the ledger idempotency key for an on-chain payment.
func ExternalID(tx common.Hash) string {
	return strings.ToLower(tx.Hex())
}

// VerifyAndCredit verifies claim and grants its credits once. Any rejection
// is returned before the ledger is touched.
func (o *Orchestrator) VerifyAndCredit(ctx context.Context, claim Claim, hint Hint) (Outcome, error) {
	if claim.ExpectedCredits <= 0 {
		return Outcome{}, outcome.New(outcome.InvalidClaim, "package credits must be positive")
	}
	var pkg Package
	if o.enforceCatalog {
		p, err := o.catalog.Match(claim.ExpectedAmount, claim.ExpectedCredits)
		if err != nil {
			return Outcome{}, err
		}
		pkg = p
	}

	vt, err := o.verifier.Verify(ctx, verify.Claim{
		ChainID:        claim.ChainID,
		TxHash:         claim.TxHash,
		Sender:         claim.ClaimedSender,
		TokenSymbol:    claim.TokenSymbol,
		ExpectedAmount: claim.ExpectedAmount,
	})
	if err != nil {
		return Outcome{}, err
	}

	payer, err := o.payer(ctx, vt.From, hint)
	if err != nil {
		return Outcome{}, err
	}

	meta := transferMetadata(vt, claim.ExpectedAmount)
	if pkg.ID != "" {
		meta["package"] = pkg.ID
	}
	res, err := o.grant(ctx, ledger.GrantRequest{
		IdentityID:   payer.ID,
		ExternalTxID: ExternalID(vt.TxHash),
		Credits:      claim.ExpectedCredits,
		Source:       ledger.SourceOnchain,
		Metadata:     meta,
	})
	if err != nil {
		return Outcome{}, err
	}

	event := audit.EventPaymentGranted
	if res.Status == ledger.AlreadyProcessed {
		event = audit.EventPaymentReplay
	}
	_ = audit.LogEvent(ctx, event, res.Entry.IdentityID, map[string]any{
		"tx_hash": res.Entry.ExternalTxID,
		"chain":   vt.ChainName,
		"token":   vt.Token.Symbol,
		"credits": res.Entry.Credits,
	})

	return Outcome{
		Status:     res.Status,
		IdentityID: res.Entry.IdentityID,
		Credits:    res.Entry.Credits,
		Balance:    res.Balance,
		Entry:      res.Entry,
		Transfer:   vt,
	}, nil
}

// payer picks the identity to credit. An authenticated caller must own the
// sending wallet; otherwise the sender is resolved in sign-in mode.
func (o *Orchestrator) payer(ctx context.Context, from common.Address, hint Hint) (identity.Identity, error) {
	if id := strings.TrimSpace(hint.IdentityID); id != "" {
		who, err := o.identities.Get(ctx, id)
		if err != nil {
			return identity.Identity{}, err
		}
		if who.WalletAddress != chain.NormalizeAddress(from) {
			return identity.Identity{}, outcome.New(outcome.SenderMismatch, "transaction was not sent from the signed-in wallet")
		}
		return who, nil
	}
	if !o.allowWalletOnly {
		return identity.Identity{}, outcome.New(outcome.Unauthenticated, "sign in to claim this payment")
	}
	who, err := o.identities.Resolve(ctx, from, identity.SignIn)
	if errors.Is(err, outcome.ErrNoAccountForWallet) {
		return identity.Identity{}, outcome.New(outcome.UnknownWallet, "no account is registered for the sending wallet")
	}
	return who, err
}

// grant runs detached from the caller's cancellation: once issued, the write
// completes or fails on its own deadline.
func (o *Orchestrator) grant(ctx context.Context, req ledger.GrantRequest) (ledger.GrantResult, error) {
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.grantTimeout)
	defer cancel()

	res, err := o.ledger.Grant(gctx, req)
	if err != nil {
		obs.ObserveGrant(string(req.Source), "error")
		if outcome.CodeOf(err) != "" {
			return ledger.GrantResult{}, err
		}
		obs.Logger().Warn("ledger grant failed",
			zap.String("external_tx_id", req.ExternalTxID),
			zap.Error(err),
		)
		return ledger.GrantResult{}, outcome.Transient(err, "record credit grant")
	}
	obs.ObserveGrant(string(req.Source), string(res.Status))
	return res, nil
}

// Status returns the grant recorded for an on-chain transaction.
func (o *Orchestrator) Status(ctx context.Context, tx common.Hash) (ledger.Entry, error) {
	e, err := o.ledger.Entry(ctx, ExternalID(tx))
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Entry{}, outcome.New(outcome.TransactionNotFound, "no credits have been granted for this transaction")
	}
	if err != nil {
		return ledger.Entry{}, outcome.Transient(err, "load grant")
	}
	return e, nil
}

func transferMetadata(vt verify.VerifiedTransfer, expected string) map[string]string {
	return map[string]string{
		"chain_id":          strconv.FormatUint(vt.ChainID, 10),
		"chain_name":        vt.ChainName,
		"token_symbol":      vt.Token.Symbol,
		"token_address":     chain.NormalizeAddress(vt.Token.Address),
		"from":              chain.NormalizeAddress(vt.From),
		"to":                chain.NormalizeAddress(vt.To),
		"amount_base_units": vt.Amount.String(),
		"amount":            verify.FormatBaseUnits(vt.Amount, vt.Token.Decimals),
		"expected_amount":   expected,
		"block_number":      strconv.FormatUint(vt.BlockNumber, 10),
		"gas_used":          strconv.FormatUint(vt.GasUsed, 10),
	}
}
