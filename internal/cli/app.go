package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/Crypto-SI/wafflepayment/internal/auth"
	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/challenge"
	"github.com/Crypto-SI/wafflepayment/internal/config"
	"github.com/Crypto-SI/wafflepayment/internal/httpapi"
	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/migrate"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
	"github.com/Crypto-SI/wafflepayment/internal/payment"
	"github.com/Crypto-SI/wafflepayment/internal/store/pg"
	"github.com/Crypto-SI/wafflepayment/internal/store/sqlite"
	"github.com/Crypto-SI/wafflepayment/internal/store/sqlstore"
	"github.com/Crypto-SI/wafflepayment/internal/verify"
)

const (
	healthInterval = 10 * time.Second
	sweepInterval  = time.Minute
)

// appEnv carries the process dependencies newApp does not read from config.
type appEnv struct {
	dial   chain.Dialer
	getenv func(string) string
}

// app is the wired service.
type app struct {
	cfg      config.Config
	registry *chain.Registry
	pool     *chain.Pool
	store    *sqlstore.Store // nil for the memory driver
	purger   challenge.Purger
	api      *httpapi.API
	health   *httpapi.GRPCServer
}

type backends struct {
	identities identity.Store
	nonces     interface {
		challenge.NonceStore
		challenge.Purger
	}
	ledger ledger.Service
}

func newApp(ctx context.Context, cfg config.Config, env appEnv) (_ *app, err error) {
	if env.getenv == nil {
		env.getenv = os.Getenv
	}
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.registry, err = loadRegistry(cfg.Chains, env.getenv); err != nil {
		return nil, err
	}
	treasury, err := chain.ParseAddress(cfg.Payments.Treasury)
	if err != nil {
		return nil, fmt.Errorf("treasury: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.Chains.RPCTimeout)
	a.pool, err = chain.NewPool(dctx, a.registry, env.dial)
	cancel()
	if err != nil {
		return nil, err
	}

	be, err := a.openBackends(ctx)
	if err != nil {
		return nil, err
	}
	a.purger = be.nonces

	catalog, err := buildCatalog(cfg.Payments.Packages)
	if err != nil {
		return nil, err
	}
	sessions, err := auth.NewIssuer(cfg.Auth.JWTSecret, auth.WithTTL(cfg.Auth.SessionTTL))
	if err != nil {
		return nil, err
	}

	identities := identity.NewResolver(be.identities)
	verifier := verify.New(a.registry, a.pool, treasury, verify.WithTimeout(cfg.Chains.RPCTimeout))
	payments := payment.NewOrchestrator(verifier, identities, be.ledger,
		payment.WithCatalog(catalog, cfg.Payments.EnforceCatalog),
		payment.WithWalletOnlyClaims(cfg.Payments.AllowWalletOnly),
		payment.WithGrantTimeout(cfg.Payments.GrantTimeout),
	)
	challenges := challenge.NewManager(be.nonces,
		challenge.WithTTL(cfg.Auth.NonceTTL),
		challenge.WithDomain(cfg.Auth.Domain),
		challenge.WithURI(cfg.Auth.URI),
		challenge.WithStatement(cfg.Auth.Statement),
	)

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	ready := httpapi.ReadyProbe{}
	if a.store != nil {
		ready.Store = a.store
	}
	a.api = httpapi.New(httpapi.Deps{
		Registry:   a.registry,
		Treasury:   treasury,
		Payments:   payments,
		Challenges: challenges,
		Identities: identities,
		Ledger:     be.ledger,
		Sessions:   sessions,
		Ready:      ready,
	}, httpapi.Options{
		Version:        version,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RatePerSecond:  cfg.HTTP.RateLimit.PerSecond,
		RateBurst:      cfg.HTTP.RateLimit.Burst,
		CheckoutToken:  cfg.Checkout.Token,
		CookieSecure:   cfg.Auth.CookieSecure,
		NonceTTL:       cfg.Auth.NonceTTL,
		TrustedProxies: proxies,
	})
	a.health = httpapi.NewGRPCServer(ready, version)
	return a, nil
}

func (a *app) openBackends(ctx context.Context) (backends, error) {
	if a.cfg.Store.Driver == "memory" {
		obs.Logger().Warn("using in-memory store; state is lost on restart")
		return backends{
			identities: identity.NewInMemory(),
			nonces:     challenge.NewInMemory(),
			ledger:     ledger.NewInMemory(),
		}, nil
	}
	s, m, err := openStore(a.cfg.Store)
	if err != nil {
		return backends{}, err
	}
	a.store = s
	if err := s.Ping(ctx); err != nil {
		return backends{}, fmt.Errorf("store: ping %s: %w", s.Dialect(), err)
	}
	if a.cfg.Store.AutoMigrate {
		applied, err := m.Up(ctx)
		if err != nil {
			return backends{}, err
		}
		if len(applied) > 0 {
			obs.Logger().Info("migrations applied", zap.Strings("migrations", applied))
		}
	}
	return backends{identities: s, nonces: s, ledger: s}, nil
}

// openStore opens the SQL store named by cfg together with its migrator.
func openStore(cfg config.Store) (*sqlstore.Store, *migrate.Manager, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := pg.Open(cfg.DSN, pg.Pool{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, pg.Migrator(s.DB()), nil
	case "sqlite":
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, sqlite.Migrator(s.DB()), nil
	default:
		return nil, nil, fmt.Errorf("store: driver %q has no SQL backend", cfg.Driver)
	}
}

// loadRegistry applies the optional registry file, then config RPC
// overrides, then the per-chain RPC environment variables.
func loadRegistry(c config.Chains, getenv func(string) string) (*chain.Registry, error) {
	reg := chain.DefaultRegistry()
	if c.Registry != "" {
		data, err := os.ReadFile(c.Registry)
		if err != nil {
			return nil, fmt.Errorf("chains: read registry: %w", err)
		}
		if reg, err = chain.LoadRegistry(data); err != nil {
			return nil, err
		}
	}
	overrides, err := c.RPCOverrides(reg)
	if err != nil {
		return nil, err
	}
	reg = reg.WithRPCOverrides(overrides)
	return reg.WithRPCOverrides(reg.EnvOverrides(getenv)), nil
}

func buildCatalog(pkgs []config.Package) (*payment.Catalog, error) {
	if len(pkgs) == 0 {
		return payment.DefaultCatalog(), nil
	}
	out := make([]payment.Package, 0, len(pkgs))
	for _, p := range pkgs {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("package %s: price: %w", p.ID, err)
		}
		out = append(out, payment.Package{
			ID:          p.ID,
			Name:        p.Name,
			Credits:     p.Credits,
			Price:       price,
			Description: p.Description,
		})
	}
	return payment.NewCatalog(out)
}

// Run serves until ctx is done or a listener fails, then shuts down.
func (a *app) Run(ctx context.Context) error {
	log := obs.Logger()
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
		IdleTimeout:       a.cfg.HTTP.IdleTimeout,
		ErrorLog:          zap.NewStdLog(log),
	}

	var (
		gs  *grpc.Server
		gln net.Listener
	)
	if a.cfg.HTTP.GRPCAddr != "" {
		if gln, err = net.Listen("tcp", a.cfg.HTTP.GRPCAddr); err != nil {
			_ = ln.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs = grpc.NewServer()
		a.health.Register(gs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if gs != nil {
		go func() {
			if err := gs.Serve(gln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	go a.health.Watch(ctx, healthInterval)
	go challenge.RunJanitor(ctx, a.purger, a.cfg.Auth.JanitorPeriod, a.cfg.Auth.NonceRetain)
	if lim := a.api.Limiter(); lim != nil {
		go sweepLimiter(ctx, lim, sweepInterval)
	}

	fields := []zap.Field{zap.String("http_addr", ln.Addr().String()), zap.String("store", a.cfg.Store.Driver)}
	if gln != nil {
		fields = append(fields, zap.String("grpc_addr", gln.Addr().String()))
	}
	log.Info("wafflepay started", fields...)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http shutdown: %w", err)
	}
	if gs != nil {
		gs.GracefulStop()
	}
	log.Info("stopped")
	return runErr
}

// Close releases the RPC clients and the store.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func sweepLimiter(ctx context.Context, rl *httpapi.RateLimiter, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := rl.Sweep(now); n > 0 {
				obs.Logger().Debug("rate limiter buckets swept", zap.Int("removed", n))
			}
		}
	}
}
