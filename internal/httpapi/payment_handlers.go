package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Crypto-SI/wafflepayment/internal/auth"
	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
	"github.com/Crypto-SI/wafflepayment/internal/payment"
	"github.com/Crypto-SI/wafflepayment/internal/verify"
)

type verifyPaymentRequest struct {
	TransactionHash string `json:"transactionHash" validate:"required"`
	UserAddress     string `json:"userAddress" validate:"required"`
	TokenSymbol     string `json:"tokenSymbol" validate:"required"`
	ExpectedAmount  string `json:"expectedAmount" validate:"required"`
	ChainID         uint64 `json:"chainId" validate:"required"`
	PackageCredits  int64  `json:"packageCredits" validate:"required,gt=0"`
}

type transactionView struct {
	Hash        string `json:"hash"`
	Credits     int64  `json:"credits"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	Chain       string `json:"chain"`
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Status      string `json:"status"`
}

type verifyPaymentResponse struct {
	Success     bool               `json:"success"`
	Status      ledger.GrantStatus `json:"status"`
	Balance     int64              `json:"balance"`
	Transaction transactionView    `json:"transaction"`
}

type paymentStatusResponse struct {
	Success     bool            `json:"success"`
	Transaction transactionView `json:"transaction"`
	GrantedAt   time.Time       `json:"granted_at"`
}

type chainView struct {
	chain.ChainConfig
	Tokens []chain.TokenConfig `json:"tokens"`
}

type chainsResponse struct {
	Treasury string      `json:"treasury"`
	Chains   []chainView `json:"chains"`
}

const confirmed = "confirmed"

func (a *API) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	claim, err := parsePaymentClaim(req)
	if err != nil {
		writeOutcome(w, r, err)
		return
	}

	var hint payment.Hint
	claims, err := a.sessionClaims(r)
	switch {
	case err == nil:
		hint.IdentityID = claims.Subject
		r = r.WithContext(auth.ContextWithUser(r.Context(), claims))
	case errors.Is(err, errMissingToken):
		// wallet-only claim
	default:
		unauthorized(w, r, err)
		return
	}

	out, err := a.deps.Payments.VerifyAndCredit(r.Context(), claim, hint)
	if err != nil {
		writeOutcome(w, r, err)
		return
	}
	vt := out.Transfer
	writeJSON(w, http.StatusOK, verifyPaymentResponse{
		Success: true,
		Status:  out.Status,
		Balance: out.Balance,
		Transaction: transactionView{
			Hash:        payment.ExternalID(vt.TxHash),
			Credits:     out.Credits,
			Amount:      verify.FormatBaseUnits(vt.Amount, vt.Token.Decimals),
			Token:       vt.Token.Symbol,
			Chain:       vt.ChainName,
			ChainID:     vt.ChainID,
			BlockNumber: vt.BlockNumber,
			Status:      confirmed,
		},
	})
}

// handlePaymentStatus reports the grant recorded for ?hash=.
func (a *API) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := chain.ParseTxHash(r.URL.Query().Get("hash"))
	if err != nil {
		writeOutcome(w, r, outcome.Wrap(outcome.InvalidClaim, err, "hash must be a 0x-prefixed 32 byte transaction hash"))
		return
	}
	e, err := a.deps.Payments.Status(r.Context(), hash)
	if err != nil {
		writeOutcome(w, r, err)
		return
	}
	chainID, _ := strconv.ParseUint(e.Metadata["chain_id"], 10, 64)
	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Success: true,
		Transaction: transactionView{
			Hash:    e.ExternalTxID,
			Credits: e.Credits,
			Amount:  e.Metadata["amount"],
			Token:   e.Metadata["token_symbol"],
			Chain:   e.Metadata["chain_name"],
			ChainID: chainID,
			Status:  confirmed,
		},
		GrantedAt: e.CreatedAt,
	})
}

func (a *API) listChains(w http.ResponseWriter, r *http.Request) {
	resp := chainsResponse{Treasury: chain.NormalizeAddress(a.deps.Treasury)}
	if a.deps.Registry != nil {
		for _, c := range a.deps.Registry.Chains() {
			resp.Chains = append(resp.Chains, chainView{ChainConfig: c, Tokens: a.deps.Registry.Tokens(c.ID)})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"packages": a.deps.Payments.Catalog().Packages(),
	})
}

func parsePaymentClaim(req verifyPaymentRequest) (payment.Claim, error) {
	hash, err := chain.ParseTxHash(req.TransactionHash)
	if err != nil {
		return payment.Claim{}, outcome.Wrap(outcome.InvalidClaim, err, "transactionHash must be a 0x-prefixed 32 byte hash")
	}
	sender, err := chain.ParseAddress(req.UserAddress)
	if err != nil {
		return payment.Claim{}, outcome.Wrap(outcome.InvalidClaim, err, "userAddress is not a valid wallet address")
	}
	return payment.Claim{
		ChainID:         req.ChainID,
		TxHash:          hash,
		ClaimedSender:   sender,
		TokenSymbol:     strings.TrimSpace(req.TokenSymbol),
		ExpectedAmount:  strings.TrimSpace(req.ExpectedAmount),
		ExpectedCredits: req.PackageCredits,
	}, nil
}
