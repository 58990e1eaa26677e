package payment

import (
	"context"
	"strings"

	"github.com/Crypto-SI/wafflepayment/internal/audit"
	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

// CheckoutGrant is a completed hosted-checkout session reported by the
// checkout collaborator. The customer is named by identity id or email.
type CheckoutGrant struct {
	SessionID   string
	IdentityID  string
	Email       string
	Credits     int64
	AmountTotal string
	Currency    string
}

// ExternalCheckoutID is the ledger idempotency key for a checkout session.
func ExternalCheckoutID(sessionID string) string {
	return "checkout:" + strings.TrimSpace(sessionID)
}

// CreditCheckout grants hosted-checkout credits with the same idempotent
// contract as on-chain payments: a repeated session id is AlreadyProcessed.
func (o *Orchestrator) CreditCheckout(ctx context.Context, g CheckoutGrant) (ledger.GrantResult, error) {
	if strings.TrimSpace(g.SessionID) == "" {
		return ledger.GrantResult{}, outcome.New(outcome.InvalidClaim, "checkout session id is required")
	}
	if g.Credits <= 0 {
		return ledger.GrantResult{}, outcome.New(outcome.InvalidClaim, "credits must be positive")
	}
	var pkg Package
	if o.enforceCatalog {
		p, err := o.catalog.MatchCredits(g.Credits)
		if err != nil {
			return ledger.GrantResult{}, err
		}
		pkg = p
	}

	var (
		who identity.Identity
		err error
	)
	switch {
	case strings.TrimSpace(g.IdentityID) != "":
		who, err = o.identities.Get(ctx, g.IdentityID)
		if outcome.CodeOf(err) == outcome.Unauthenticated {
			err = outcome.New(outcome.UnknownWallet, "checkout customer does not exist")
		}
	case strings.TrimSpace(g.Email) != "":
		who, err = o.identities.ResolveEmail(ctx, g.Email, identity.SignIn)
	default:
		err = outcome.New(outcome.InvalidClaim, "identity id or email is required")
	}
	if err != nil {
		return ledger.GrantResult{}, err
	}

	meta := map[string]string{"checkout_session": strings.TrimSpace(g.SessionID)}
	if g.AmountTotal != "" {
		meta["amount_total"] = g.AmountTotal
	}
	if g.Currency != "" {
		meta["currency"] = strings.ToLower(g.Currency)
	}
	if pkg.ID != "" {
		meta["package"] = pkg.ID
	}
	res, err := o.grant(ctx, ledger.GrantRequest{
		IdentityID:   who.ID,
		ExternalTxID: ExternalCheckoutID(g.SessionID),
		Credits:      g.Credits,
		Source:       ledger.SourceHostedCheckout,
		Metadata:     meta,
	})
	if err != nil {
		return ledger.GrantResult{}, err
	}
	_ = audit.LogEvent(ctx, audit.EventCheckoutGrant, res.Entry.IdentityID, map[string]any{
		"session_id": g.SessionID,
		"status":     string(res.Status),
		"credits":    res.Entry.Credits,
	})
	return res, nil
}
