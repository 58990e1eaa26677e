package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Crypto-SI/wafflepayment/internal/audit"
	"github.com/Crypto-SI/wafflepayment/internal/auth"
	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

// challengeCookie carries the opaque session a nonce was issued to. The
// nonce itself never travels in a cookie.
const challengeCookie = "wafflepay_challenge"

type nonceRequest struct {
	Address string `json:"address"`
	ChainID uint64 `json:"chainId"`
}

type nonceResponse struct {
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message,omitempty"`
}

type checkWalletRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required"`
}

type checkWalletResponse struct {
	Exists bool               `json:"exists"`
	User   *identity.Identity `json:"user"`
}

type walletSignupRequest struct {
	Message   string `json:"message" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
}

type walletSignupResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	User    identity.Identity `json:"user"`
}

type callbackRequest struct {
	Message   string `json:"message" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

type callbackResponse struct {
	Session   *auth.Session `json:"session"`
	Error     string        `json:"error,omitempty"`
	Code      outcome.Code  `json:"code,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

func (a *API) handleNonce(w http.ResponseWriter, r *http.Request) {
	var req nonceRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	session := uuid.NewString()
	var resp nonceResponse
	if req.Address != "" {
		addr, err := chain.ParseAddress(req.Address)
		if err != nil {
			writeOutcome(w, r, outcome.Wrap(outcome.InvalidClaim, err, "address is not a valid wallet address"))
			return
		}
		chainID := req.ChainID
		if chainID == 0 {
			chainID = 1
		}
		n, msg, err := a.deps.Challenges.Challenge(r.Context(), session, addr, chainID)
		if err != nil {
			writeOutcome(w, r, err)
			return
		}
		resp = nonceResponse{Nonce: n.Value, IssuedAt: n.IssuedAt, ExpiresAt: n.ExpiresAt, Message: msg.Raw}
	} else {
		n, err := a.deps.Challenges.IssueNonce(r.Context(), session)
		if err != nil {
			writeOutcome(w, r, err)
			return
		}
		resp = nonceResponse{Nonce: n.Value, IssuedAt: n.IssuedAt, ExpiresAt: n.ExpiresAt}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     challengeCookie,
		Value:    session,
		Path:     "/v1/auth",
		Expires:  resp.ExpiresAt,
		MaxAge:   int(resp.ExpiresAt.Sub(a.now()).Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCheckWalletUser(w http.ResponseWriter, r *http.Request) {
	var req checkWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := chain.ParseAddress(req.WalletAddress)
	if err != nil {
		writeOutcome(w, r, outcome.Wrap(outcome.InvalidClaim, err, "walletAddress is not a valid wallet address"))
		return
	}
	id, ok, err := a.deps.Identities.Lookup(r.Context(), addr)
	if err != nil {
		writeOutcome(w, r, err)
		return
	}
	resp := checkWalletResponse{Exists: ok}
	if ok {
		resp.User = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleWalletSignup(w http.ResponseWriter, r *http.Request) {
	var req walletSignupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := a.deps.Challenges.Verify(r.Context(), challengeSession(r), req.Message, req.Signature, req.Nonce)
	if err != nil {
		obs.ObserveAuth("signup", string(outcome.CodeOf(err)))
		writeOutcome(w, r, err)
		return
	}
	id, err := a.deps.Identities.Resolve(r.Context(), addr, identity.SignUp)
	if err != nil {
		obs.ObserveAuth("signup", string(outcome.CodeOf(err)))
		writeOutcome(w, r, err)
		return
	}
	obs.ObserveAuth("signup", "ok")
	clearNonceCookie(w, a.opts.CookieSecure)
	_ = audit.LogEvent(r.Context(), audit.EventWalletSignup, id.ID, map[string]any{
		"wallet_address": id.WalletAddress,
	})
	writeJSON(w, http.StatusCreated, walletSignupResponse{
		Success: true,
		Message: "account created, sign in to continue",
		User:    id,
	})
}

// handleCallback completes sign-in. Rejections answer 401 with a null
// session; infrastructure failures keep their retryable 503.
func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	session, err := a.signIn(r, req)
	if err != nil {
		obs.ObserveAuth("signin", string(outcome.CodeOf(err)))
		if outcome.Retryable(err) || outcome.CodeOf(err) == "" {
			writeOutcome(w, r, err)
			return
		}
		writeJSON(w, http.StatusUnauthorized, callbackResponse{
			Error:     rejectionMessage(err),
			Code:      outcome.CodeOf(err),
			RequestID: audit.RequestIDFromContext(r.Context()),
		})
		return
	}
	obs.ObserveAuth("signin", "ok")
	clearNonceCookie(w, a.opts.CookieSecure)
	_ = audit.LogEvent(r.Context(), audit.EventWalletSignin, session.User.ID, map[string]any{
		"wallet_address": session.User.WalletAddress,
		"expires_at":     session.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, callbackResponse{Session: &session})
}

func (a *API) signIn(r *http.Request, req callbackRequest) (auth.Session, error) {
	addr, err := a.deps.Challenges.Verify(r.Context(), challengeSession(r), req.Message, req.Signature, "")
	if err != nil {
		return auth.Session{}, err
	}
	id, err := a.deps.Identities.Resolve(r.Context(), addr, identity.SignIn)
	if err != nil {
		return auth.Session{}, err
	}
	return a.deps.Sessions.Issue(id)
}

// challengeSession returns the session set by handleNonce, or "" when the
// client never requested a challenge.
func challengeSession(r *http.Request) string {
	c, err := r.Cookie(challengeCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func clearNonceCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     challengeCookie,
		Value:    "",
		Path:     "/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
