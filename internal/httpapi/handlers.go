// Package httpapi exposes payment verification, wallet sign-in and the
// credit ledger over JSON/HTTP, plus a gRPC health service.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/Crypto-SI/wafflepayment/internal/auth"
	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/challenge"
	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
	"github.com/Crypto-SI/wafflepayment/internal/payment"
)

const serviceName = "wafflepay"

// Payments is satisfied by *payment.Orchestrator.
type Payments interface {
	VerifyAndCredit(ctx context.Context, claim payment.Claim, hint payment.Hint) (payment.Outcome, error)
	Status(ctx context.Context, tx common.Hash) (ledger.Entry, error)
	CreditCheckout(ctx context.Context, g payment.CheckoutGrant) (ledger.GrantResult, error)
	Catalog() *payment.Catalog
}

// Challenges is satisfied by *challenge.Manager.
type Challenges interface {
	IssueNonce(ctx context.Context, session string) (challenge.Nonce, error)
	Challenge(ctx context.Context, session string, address common.Address, chainID uint64) (challenge.Nonce, *challenge.Message, error)
	Verify(ctx context.Context, session, raw, signature, expectedNonce string) (common.Address, error)
}

// Identities is satisfied by *identity.Resolver.
type Identities interface {
	Resolve(ctx context.Context, wallet common.Address, mode identity.Mode) (identity.Identity, error)
	Lookup(ctx context.Context, wallet common.Address) (identity.Identity, bool, error)
	Get(ctx context.Context, id string) (identity.Identity, error)
}

// Checker reports readiness.
type Checker interface {
	Check(ctx context.Context) error
}

// Pinger is implemented by the SQL stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the store when one is configured.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// Deps are the domain services behind the API.
type Deps struct {
	Registry   *chain.Registry
	Treasury   common.Address
	Payments   Payments
	Challenges Challenges
	Identities Identities
	Ledger     ledger.Service
	Sessions   *auth.Issuer
	Ready      Checker
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	CORSOrigins    []string
	MaxBodyBytes   int64
	RatePerSecond  int
	RateBurst      int
	// CheckoutToken authenticates POST /v1/checkout/grants. Empty disables it.
	CheckoutToken  string
	CookieSecure   bool
	NonceTTL       time.Duration
	// TrustedProxies may set X-Forwarded-For. Empty means the TCP peer is the client.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	deps    Deps
	opts    Options
	limiter *RateLimiter
	now     func() time.Time
}

func New(deps Deps, opts Options) *API {
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = 10 * time.Minute
	}
	a := &API{deps: deps, opts: opts, now: time.Now}
	if opts.RatePerSecond > 0 {
		a.limiter = NewRateLimiter(opts.RatePerSecond, opts.RateBurst)
	}
	return a
}

// Limiter returns the rate limiter, or nil when limiting is disabled.
func (a *API) Limiter() *RateLimiter { return a.limiter }

// Handler returns the routed and instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(ClientIP(a.opts.TrustedProxies))
	r.Use(Recoverer)
	r.Use(func(next http.Handler) http.Handler { return obs.Instrument(next, routePattern) })
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))
	r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
	if a.limiter != nil {
		r.Use(a.limiter.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Get("/chains", a.listChains)
		r.Get("/packages", a.listPackages)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/nonce", a.handleNonce)
			r.Post("/check-wallet-user", a.handleCheckWalletUser)
			r.Post("/wallet-signup", a.handleWalletSignup)
			r.Post("/callback", a.handleCallback)
		})

		r.Post("/crypto/verify-payment", a.handleVerifyPayment)
		r.Get("/crypto/verify-payment", a.handlePaymentStatus)

		r.Group(func(r chi.Router) {
			r.Use(a.requireSession)
			r.Get("/me", a.handleMe)
			r.Get("/me/credits", a.handleCredits)
			r.Get("/me/history", a.handleHistory)
			r.Post("/me/credits/spend", a.handleSpend)
		})

		r.With(a.requireCheckoutToken).Post("/checkout/grants", a.handleCheckoutGrant)
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}
