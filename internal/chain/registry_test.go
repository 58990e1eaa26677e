package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	chains := reg.Chains()
	if len(chains) != 5 {
		t.Fatalf("expected 5 chains, got %d", len(chains))
	}
	wantOrder := []uint64{1, 137, 42161, 8453, 10}
	for i, id := range wantOrder {
		if chains[i].ID != id {
			t.Fatalf("chain %d: got id %d want %d", i, chains[i].ID, id)
		}
	}

	eth, err := reg.ResolveChain(1)
	if err != nil {
		t.Fatalf("ResolveChain(1): %v", err)
	}
	if eth.Name != "Ethereum" || eth.RPCEnv != "ETHEREUM_RPC_URL" {
		t.Fatalf("unexpected mainnet config: %+v", eth)
	}

	usdc, err := reg.ResolveToken(1, "usdc")
	if err != nil {
		t.Fatalf("ResolveToken: %v", err)
	}
	if usdc.Address != common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48") || usdc.Decimals != 6 {
		t.Fatalf("unexpected USDC config: %+v", usdc)
	}

	byAddr, err := reg.TokenByAddress(8453, common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"))
	if err != nil || byAddr.Symbol != "USDC" {
		t.Fatalf("TokenByAddress: %+v %v", byAddr, err)
	}

	for _, c := range chains {
		if n := len(reg.Tokens(c.ID)); n != 2 {
			t.Fatalf("chain %s: expected 2 tokens, got %d", c.Name, n)
		}
	}
}

func TestResolveUnsupported(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.ResolveChain(56); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := reg.ResolveToken(1, "DAI"); !IsUnsupported(err) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := reg.ResolveToken(56, "USDC"); !IsUnsupported(err) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestLoadRegistryRejectsDuplicates(t *testing.T) {
	cases := map[string]string{
		"duplicate symbol": `
chains:
  - id: 1
    name: Ethereum
    tokens:
      - {symbol: USDC, address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", decimals: 6}
      - {symbol: usdc, address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", decimals: 6}
`,
		"duplicate address": `
chains:
  - id: 1
    name: Ethereum
    tokens:
      - {symbol: USDC, address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", decimals: 6}
      - {symbol: USDX, address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", decimals: 6}
`,
		"duplicate chain": `
chains:
  - {id: 1, name: Ethereum}
  - {id: 1, name: Again}
`,
		"bad address": `
chains:
  - id: 1
    name: Ethereum
    tokens:
      - {symbol: USDC, address: "0x1234", decimals: 6}
`,
		"empty": `chains: []`,
	}
	for name, doc := range cases {
		if _, err := LoadRegistry([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestWithRPCOverrides(t *testing.T) {
	reg := DefaultRegistry()
	env := map[string]string{"POLYGON_RPC_URL": "http://polygon.internal:8545"}
	overrides := reg.EnvOverrides(func(k string) string { return env[k] })
	if len(overrides) != 1 || overrides[137] == "" {
		t.Fatalf("unexpected overrides: %v", overrides)
	}

	next := reg.WithRPCOverrides(overrides)
	poly, _ := next.ResolveChain(137)
	if poly.RPCURL != "http://polygon.internal:8545" {
		t.Fatalf("override not applied: %s", poly.RPCURL)
	}
	orig, _ := reg.ResolveChain(137)
	if orig.RPCURL == poly.RPCURL {
		t.Fatal("original registry mutated")
	}
}

type nopClient struct{ closed bool }

func (c *nopClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (c *nopClient) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (c *nopClient) Close() { c.closed = true }

func TestPoolDialsEveryChainOnce(t *testing.T) {
	reg := DefaultRegistry()
	dialed := map[uint64]*nopClient{}
	pool, err := NewPool(context.Background(), reg, func(_ context.Context, cfg ChainConfig) (Client, error) {
		c := &nopClient{}
		dialed[cfg.ID] = c
		return c, nil
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if len(dialed) != 5 {
		t.Fatalf("expected 5 dials, got %d", len(dialed))
	}
	a, err := pool.Client(1)
	if err != nil {
		t.Fatalf("Client(1): %v", err)
	}
	b, _ := pool.Client(1)
	if a != b {
		t.Fatal("pool must hand out the same client")
	}
	if _, err := pool.Client(56); !IsUnsupported(err) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	pool.Close()
	for id, c := range dialed {
		if !c.closed {
			t.Fatalf("client for chain %d not closed", id)
		}
	}
}

func TestPoolClosesOnDialFailure(t *testing.T) {
	reg := DefaultRegistry()
	var opened []*nopClient
	_, err := NewPool(context.Background(), reg, func(_ context.Context, cfg ChainConfig) (Client, error) {
		if cfg.ID == 42161 {
			return nil, errors.New("connection refused")
		}
		c := &nopClient{}
		opened = append(opened, c)
		return c, nil
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
	for _, c := range opened {
		if !c.closed {
			t.Fatal("client leaked after failed pool construction")
		}
	}
}
