package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Crypto-SI/wafflepayment/internal/audit"
	"github.com/Crypto-SI/wafflepayment/internal/auth"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
	"github.com/Crypto-SI/wafflepayment/internal/payment"
)

const maxIdempotencyKey = 128

type creditsResponse struct {
	Balance int64     `json:"balance"`
	Earned  int64     `json:"earned"`
	Used    int64     `json:"used"`
	Entries int       `json:"entries"`
	AsOf    time.Time `json:"as_of"`
}

type historyResponse struct {
	Items      []ledger.Entry `json:"items"`
	NextBefore string         `json:"next_before,omitempty"`
	AsOf       time.Time      `json:"as_of"`
}

type spendRequest struct {
	Credits int64  `json:"credits" validate:"required,gt=0"`
	Reason  string `json:"reason" validate:"omitempty,max=200"`
}

type grantResponse struct {
	Status  ledger.GrantStatus `json:"status"`
	Balance int64              `json:"balance"`
	Entry   ledger.Entry       `json:"entry"`
}

type checkoutGrantRequest struct {
	SessionID   string `json:"session_id" validate:"required,max=255"`
	IdentityID  string `json:"identity_id" validate:"required_without=Email"`
	Email       string `json:"email" validate:"omitempty,email"`
	Credits     int64  `json:"credits" validate:"required,gt=0"`
	AmountTotal string `json:"amount_total"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.UserIDFromContext(r.Context())
	user, err := a.deps.Identities.Get(r.Context(), id)
	if err != nil {
		writeOutcome(w, r, err)
		return
	}
	balance, err := a.deps.Ledger.Balance(r.Context(), user.ID)
	if err != nil {
		writeOutcome(w, r, outcome.Transient(err, "load balance"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
		"credits": balance,
	})
}

func (a *API) handleCredits(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.UserIDFromContext(r.Context())
	sum, err := a.deps.Ledger.Summary(r.Context(), id)
	if err != nil {
		writeOutcome(w, r, outcome.Transient(err, "load credit summary"))
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse{
		Balance: sum.Balance,
		Earned:  sum.Earned,
		Used:    sum.Used,
		Entries: sum.Entries,
		AsOf:    a.now().UTC(),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	before := strings.TrimSpace(r.URL.Query().Get("before"))
	id, _ := auth.UserIDFromContext(r.Context())
	items, next, err := a.deps.Ledger.History(r.Context(), id, limit, before)
	if err != nil {
		writeOutcome(w, r, outcome.Transient(err, "load history"))
		return
	}
	if items == nil {
		items = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Items:      items,
		NextBefore: next,
		AsOf:       a.now().UTC(),
	})
}

func (a *API) handleSpend(w http.ResponseWriter, r *http.Request) {
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idem == "" {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	if len(idem) > maxIdempotencyKey {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}
	var req spendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, _ := auth.UserIDFromContext(r.Context())
	res, err := a.deps.Ledger.Spend(r.Context(), ledger.SpendRequest{
		IdentityID:     id,
		Credits:        req.Credits,
		IdempotencyKey: idem,
		Reason:         req.Reason,
	})
	if err != nil {
		if outcome.CodeOf(err) == "" {
			err = outcome.Transient(err, "spend credits")
		}
		writeOutcome(w, r, err)
		return
	}
	w.Header().Set("Idempotency-Key", idem)
	if res.Status == ledger.Granted {
		_ = audit.LogEvent(r.Context(), audit.EventCreditSpend, "", map[string]any{
			"credits":         req.Credits,
			"reason":          req.Reason,
			"idempotency_key": idem,
			"balance":         res.Balance,
		})
	}
	writeJSON(w, http.StatusOK, grantResponse{Status: res.Status, Balance: res.Balance, Entry: res.Entry})
}

func (a *API) handleCheckoutGrant(w http.ResponseWriter, r *http.Request) {
	var req checkoutGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.deps.Payments.CreditCheckout(r.Context(), payment.CheckoutGrant{
		SessionID:   req.SessionID,
		IdentityID:  req.IdentityID,
		Email:       req.Email,
		Credits:     req.Credits,
		AmountTotal: req.AmountTotal,
		Currency:    req.Currency,
	})
	if err != nil {
		writeOutcome(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Status == ledger.AlreadyProcessed {
		code = http.StatusOK
	}
	writeJSON(w, code, grantResponse{Status: res.Status, Balance: res.Balance, Entry: res.Entry})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
