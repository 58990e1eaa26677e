// Package chain holds the static chain and token tables and the pool of
// long-lived RPC clients built from them.
package chain

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var defaultTable []byte

// ErrUnsupported is returned when a chain or token is not configured.
var ErrUnsupported = errors.New("chain: not supported")

// maxDecimals bounds token precision to keep base-unit scaling sane.
const maxDecimals = 36

// ChainConfig describes one EVM chain.
type ChainConfig struct {
	ID     uint64 `json:"chain_id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	RPCURL string `json:"-"`
	RPCEnv string `json:"-"`
}

// TokenConfig describes an accepted token contract on a chain.
type TokenConfig struct {
	ChainID  uint64         `json:"chain_id"`
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

type tokenKey struct {
	chainID uint64
	symbol  string
}

type addressKey struct {
	chainID uint64
	address common.Address
}

// Registry is an immutable lookup table. It is safe for concurrent use.
type Registry struct {
	order  []uint64
	chains map[uint64]ChainConfig
	tokens map[tokenKey]TokenConfig
	byAddr map[addressKey]TokenConfig
	perID  map[uint64][]TokenConfig
}

type tableFile struct {
	Chains []chainRow `yaml:"chains"`
}

type chainRow struct {
	ID     uint64     `yaml:"id"`
	Slug   string     `yaml:"slug"`
	Name   string     `yaml:"name"`
	RPCURL string     `yaml:"rpc_url"`
	RPCEnv string     `yaml:"rpc_env"`
	Tokens []tokenRow `yaml:"tokens"`
}

type tokenRow struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// DefaultRegistry returns the built-in table of five chains with USDC and USDT.
func DefaultRegistry() *Registry {
	reg, err := LoadRegistry(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("chain: built-in table is invalid: %v", err))
	}
	return reg
}

// LoadRegistry parses a YAML chain table and validates its uniqueness rules.
func LoadRegistry(data []byte) (*Registry, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("chain: decode table: %w", err)
	}
	if len(file.Chains) == 0 {
		return nil, errors.New("chain: table has no chains")
	}

	reg := newRegistry()
	for _, row := range file.Chains {
		if row.ID == 0 {
			return nil, errors.New("chain: chain id is required")
		}
		if _, dup := reg.chains[row.ID]; dup {
			return nil, fmt.Errorf("chain: duplicate chain id %d", row.ID)
		}
		name := strings.TrimSpace(row.Name)
		if name == "" {
			return nil, fmt.Errorf("chain: chain %d has no name", row.ID)
		}
		slug := strings.ToLower(strings.TrimSpace(row.Slug))
		if slug == "" {
			slug = strings.ToLower(name)
		}
		reg.order = append(reg.order, row.ID)
		reg.chains[row.ID] = ChainConfig{
			ID:     row.ID,
			Slug:   slug,
			Name:   name,
			RPCURL: strings.TrimSpace(row.RPCURL),
			RPCEnv: strings.TrimSpace(row.RPCEnv),
		}

		for _, tr := range row.Tokens {
			tok, err := parseToken(row.ID, tr)
			if err != nil {
				return nil, err
			}
			if err := reg.addToken(tok); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func newRegistry() *Registry {
	return &Registry{
		chains: make(map[uint64]ChainConfig),
		tokens: make(map[tokenKey]TokenConfig),
		byAddr: make(map[addressKey]TokenConfig),
		perID:  make(map[uint64][]TokenConfig),
	}
}

func parseToken(chainID uint64, tr tokenRow) (TokenConfig, error) {
	symbol := normalizeSymbol(tr.Symbol)
	if symbol == "" {
		return TokenConfig{}, fmt.Errorf("chain: token on chain %d has no symbol", chainID)
	}
	if !common.IsHexAddress(tr.Address) {
		return TokenConfig{}, fmt.Errorf("chain: token %s on chain %d has invalid address %q", symbol, chainID, tr.Address)
	}
	if tr.Decimals > maxDecimals {
		return TokenConfig{}, fmt.Errorf("chain: token %s on chain %d has %d decimals", symbol, chainID, tr.Decimals)
	}
	return TokenConfig{
		ChainID:  chainID,
		Symbol:   symbol,
		Address:  common.HexToAddress(tr.Address),
		Decimals: tr.Decimals,
	}, nil
}

func (r *Registry) addToken(tok TokenConfig) error {
	sk := tokenKey{chainID: tok.ChainID, symbol: tok.Symbol}
	if _, dup := r.tokens[sk]; dup {
		return fmt.Errorf("chain: duplicate token %s on chain %d", tok.Symbol, tok.ChainID)
	}
	ak := addressKey{chainID: tok.ChainID, address: tok.Address}
	if _, dup := r.byAddr[ak]; dup {
		return fmt.Errorf("chain: duplicate token address %s on chain %d", tok.Address.Hex(), tok.ChainID)
	}
	r.tokens[sk] = tok
	r.byAddr[ak] = tok
	r.perID[tok.ChainID] = append(r.perID[tok.ChainID], tok)
	return nil
}

// ResolveChain returns the chain configuration or ErrUnsupported.
func (r *Registry) ResolveChain(id uint64) (ChainConfig, error) {
	cfg, ok := r.chains[id]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: chain %d", ErrUnsupported, id)
	}
	return cfg, nil
}

// ResolveToken returns the token configured under symbol on chain id. Symbols are case-insensitive.
func (r *Registry) ResolveToken(id uint64, symbol string) (TokenConfig, error) {
	tok, ok := r.tokens[tokenKey{chainID: id, symbol: normalizeSymbol(symbol)}]
	if !ok {
		return TokenConfig{}, fmt.Errorf("%w: token %q on chain %d", ErrUnsupported, symbol, id)
	}
	return tok, nil
}

// TokenByAddress finds a token by contract address.
func (r *Registry) TokenByAddress(id uint64, addr common.Address) (TokenConfig, error) {
	tok, ok := r.byAddr[addressKey{chainID: id, address: addr}]
	if !ok {
		return TokenConfig{}, fmt.Errorf("%w: token %s on chain %d", ErrUnsupported, addr.Hex(), id)
	}
	return tok, nil
}

// Chains lists chains in table order.
func (r *Registry) Chains() []ChainConfig {
	out := make([]ChainConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.chains[id])
	}
	return out
}

// Tokens lists the tokens of one chain in table order.
func (r *Registry) Tokens(id uint64) []TokenConfig {
	src := r.perID[id]
	out := make([]TokenConfig, len(src))
	copy(out, src)
	return out
}

// WithRPCOverrides returns a copy with the given endpoints replaced. Unknown chain ids are ignored.
func (r *Registry) WithRPCOverrides(overrides map[uint64]string) *Registry {
	cp := &Registry{
		order:  r.order,
		chains: make(map[uint64]ChainConfig, len(r.chains)),
		tokens: r.tokens,
		byAddr: r.byAddr,
		perID:  r.perID,
	}
	for id, cfg := range r.chains {
		if url := strings.TrimSpace(overrides[id]); url != "" {
			cfg.RPCURL = url
		}
		cp.chains[id] = cfg
	}
	return cp
}

// EnvOverrides collects RPC endpoints from each chain's rpc_env variable.
func (r *Registry) EnvOverrides(getenv func(string) string) map[uint64]string {
	out := make(map[uint64]string)
	for _, id := range r.order {
		cfg := r.chains[id]
		if cfg.RPCEnv == "" {
			continue
		}
		if v := strings.TrimSpace(getenv(cfg.RPCEnv)); v != "" {
			out[id] = v
		}
	}
	return out
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
