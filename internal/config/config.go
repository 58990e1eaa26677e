// Package config loads the service configuration: defaults, then an optional
// TOML file, then WAFFLEPAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/Crypto-SI/wafflepayment/internal/chain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WAFFLEPAY_"

type Config struct {
	HTTP     HTTP     `toml:"http"`
	Store    Store    `toml:"store"`
	Chains   Chains   `toml:"chains"`
	Payments Payments `toml:"payments"`
	Auth     Auth     `toml:"auth"`
	Checkout Checkout `toml:"checkout"`
	Log      Log      `toml:"log"`
}

type HTTP struct {
	Addr            string        `toml:"addr" validate:"required"`
	GRPCAddr        string        `toml:"grpc_addr"`
	ReadTimeout     time.Duration `toml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `toml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `toml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `toml:"max_body_bytes" validate:"gt=0"`
	CORSOrigins     []string      `toml:"cors_origins"`
	RateLimit       RateLimit     `toml:"rate_limit"`
	// TrustedProxies lists proxy addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies  []string      `toml:"trusted_proxies" validate:"dive,cidr|ip"`
}

// RateLimit is a per client IP token bucket. PerSecond=0 disables it.
type RateLimit struct {
	PerSecond int `toml:"per_second" validate:"gte=0"`
	Burst     int `toml:"burst" validate:"gte=0"`
}

type Store struct {
	Driver          string        `toml:"driver" validate:"oneof=postgres sqlite memory"`
	DSN             string        `toml:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `toml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `toml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	AutoMigrate     bool          `toml:"auto_migrate"`
}

type Chains struct {
	// Registry points at a YAML chain table replacing the built-in one.
	Registry   string            `toml:"registry"`
	RPCTimeout time.Duration     `toml:"rpc_timeout" validate:"gt=0"`
	RPC        map[string]string `toml:"rpc"`
}

type Payments struct {
	Treasury        string        `toml:"treasury" validate:"required,eth_addr"`
	AllowWalletOnly bool          `toml:"allow_wallet_only"`
	GrantTimeout    time.Duration `toml:"grant_timeout" validate:"gt=0"`
	EnforceCatalog  bool          `toml:"enforce_catalog"`
	Packages        []Package     `toml:"packages" validate:"dive"`
}

// Package overrides the built-in credit catalog when any are configured.
type Package struct {
	ID          string `toml:"id" validate:"required"`
	Name        string `toml:"name"`
	Credits     int64  `toml:"credits" validate:"gt=0"`
	Price       string `toml:"price" validate:"required,numeric"`
	Description string `toml:"description"`
}

type Auth struct {
	Domain        string        `toml:"domain" validate:"required"`
	URI           string        `toml:"uri" validate:"omitempty,url"`
	Statement     string        `toml:"statement"`
	NonceTTL      time.Duration `toml:"nonce_ttl" validate:"gt=0"`
	NonceRetain   time.Duration `toml:"nonce_retain" validate:"gte=0"`
	JanitorPeriod time.Duration `toml:"janitor_period" validate:"gt=0"`
	JWTSecret     string        `toml:"jwt_secret" validate:"required,min=16"`
	SessionTTL    time.Duration `toml:"session_ttl" validate:"gt=0"`
	CookieSecure  bool          `toml:"cookie_secure"`
}

type Checkout struct {
	// Token authenticates the hosted-checkout collaborator. Empty disables the endpoint.
	Token string `toml:"token" validate:"omitempty,min=16"`
}

type Log struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration. Treasury and JWT secret have no default.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       RateLimit{PerSecond: 10, Burst: 20},
		},
		Store: Store{
			Driver:       "memory",
			MaxOpenConns: 50,
			MaxIdleConns: 25,
			AutoMigrate:  true,
		},
		Chains: Chains{RPCTimeout: 10 * time.Second},
		Payments: Payments{
			AllowWalletOnly: true,
			GrantTimeout:    10 * time.Second,
			EnforceCatalog:  true,
		},
		Auth: Auth{
			Domain:        "localhost:3000",
			URI:           "http://localhost:3000",
			NonceTTL:      10 * time.Minute,
			NonceRetain:   24 * time.Hour,
			JanitorPeriod: 10 * time.Minute,
			SessionTTL:    24 * time.Hour,
		},
		Log: Log{Level: "info"},
	}
}

var validate = validator.New()

// Load reads path (optional) over the defaults, applies environment
// overrides from getenv and validates the result.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg, err := Decode(path, getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode is Load without validation, for commands that only need part of
// the configuration.
func Decode(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if getenv == nil {
		getenv = os.Getenv
	}
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Config{}, fmt.Errorf("config: unknown keys in %s: %v", path, undec)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c Config) Validate() error {
	return check(c)
}

// Validate checks the store section alone.
func (s Store) Validate() error {
	return check(s)
}

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.HTTP.GRPCAddr)
	if v := strings.TrimSpace(getenv(EnvPrefix + "CORS_ORIGINS")); v != "" {
		cfg.HTTP.CORSOrigins = splitList(v)
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "TRUSTED_PROXIES")); v != "" {
		cfg.HTTP.TrustedProxies = splitList(v)
	}
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)
	boolean("STORE_AUTO_MIGRATE", &cfg.Store.AutoMigrate)
	str("CHAINS_REGISTRY", &cfg.Chains.Registry)
	dur("RPC_TIMEOUT", &cfg.Chains.RPCTimeout)
	str("TREASURY", &cfg.Payments.Treasury)
	boolean("ALLOW_WALLET_ONLY", &cfg.Payments.AllowWalletOnly)
	boolean("ENFORCE_CATALOG", &cfg.Payments.EnforceCatalog)
	dur("GRANT_TIMEOUT", &cfg.Payments.GrantTimeout)
	str("SIWE_DOMAIN", &cfg.Auth.Domain)
	str("SIWE_URI", &cfg.Auth.URI)
	dur("NONCE_TTL", &cfg.Auth.NonceTTL)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	dur("SESSION_TTL", &cfg.Auth.SessionTTL)
	boolean("COOKIE_SECURE", &cfg.Auth.CookieSecure)
	str("CHECKOUT_TOKEN", &cfg.Checkout.Token)
	str("LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(errs...)
}

// RPCOverrides maps the [chains.rpc] table onto chain ids. Keys are chain
// ids or registry slugs.
func (c Chains) RPCOverrides(reg *chain.Registry) (map[uint64]string, error) {
	out := make(map[uint64]string, len(c.RPC))
	slugs := make(map[string]uint64)
	for _, cc := range reg.Chains() {
		slugs[cc.Slug] = cc.ID
	}
	for key, url := range c.RPC {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			var ok bool
			if id, ok = slugs[strings.ToLower(strings.TrimSpace(key))]; !ok {
				return nil, fmt.Errorf("config: chains.rpc: unknown chain %q", key)
			}
		}
		if _, err := reg.ResolveChain(id); err != nil {
			return nil, fmt.Errorf("config: chains.rpc: unknown chain %q", key)
		}
		out[id] = url
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
