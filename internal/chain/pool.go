package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Crypto-SI/wafflepayment/internal/obs"
)

// Client is the subset of the JSON-RPC API the verifier needs. *ethclient.Client satisfies it.
type Client interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Dialer opens a client for one chain.
type Dialer func(ctx context.Context, cfg ChainConfig) (Client, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, cfg ChainConfig) (Client, error) {
	c, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Pool holds one long-lived client per chain, built at startup and shared read-only.
type Pool struct {
	clients map[uint64]Client
}

// NewPool dials every chain in the registry. If any dial fails the clients opened so far are closed.
func NewPool(ctx context.Context, reg *Registry, dial Dialer) (*Pool, error) {
	if dial == nil {
		dial = DialEthclient
	}
	p := &Pool{clients: make(map[uint64]Client)}
	for _, cfg := range reg.Chains() {
		if cfg.RPCURL == "" {
			p.Close()
			return nil, fmt.Errorf("chain: no rpc endpoint for %s (%d)", cfg.Name, cfg.ID)
		}
		c, err := dial(ctx, cfg)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.Name, err)
		}
		p.clients[cfg.ID] = &timedClient{slug: cfg.Slug, inner: c}
	}
	return p, nil
}

// NewStaticPool wraps pre-built clients, keyed by chain id.
func NewStaticPool(clients map[uint64]Client) *Pool {
	p := &Pool{clients: make(map[uint64]Client, len(clients))}
	for id, c := range clients {
		p.clients[id] = c
	}
	return p
}

// Client returns the client for chain id.
func (p *Pool) Client(chainID uint64) (Client, error) {
	c, ok := p.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: no client for chain %d", ErrUnsupported, chainID)
	}
	return c, nil
}

// Close releases every client that holds a connection.
func (p *Pool) Close() {
	for _, c := range p.clients {
		if tc, ok := c.(*timedClient); ok {
			c = tc.inner
		}
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// timedClient records RPC latency per chain.
type timedClient struct {
	slug  string
	inner Client
}

func (c *timedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	r, err := c.inner.TransactionReceipt(ctx, txHash)
	obs.ObserveRPC(c.slug, "eth_getTransactionReceipt", time.Since(start))
	return r, err
}

func (c *timedClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	start := time.Now()
	tx, pending, err := c.inner.TransactionByHash(ctx, hash)
	obs.ObserveRPC(c.slug, "eth_getTransactionByHash", time.Since(start))
	return tx, pending, err
}

// IsUnsupported reports whether err stems from a missing chain or token.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
