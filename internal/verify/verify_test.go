package verify

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

var (
	treasury = common.HexToAddress("0x0B172a4E265AcF4c2E0aB238F63A44bf29bBd158")
	payer    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger = common.HexToAddress("0x2222222222222222222222222222222222222222")
	usdcMain = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usdtMain = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	txHash   = common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060")
)

type fakeClient struct {
	receipt    *types.Receipt
	receiptErr error
	txErr      error
	pending    bool
	block      bool
	calls      int
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, _ common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.receipt, f.receiptErr
}

func (f *fakeClient) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	if f.txErr != nil {
		return nil, false, f.txErr
	}
	return types.NewTx(&types.LegacyTx{}), f.pending, nil
}

func transferLog(token, from, to common.Address, amount int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func receiptWith(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		Logs:        logs,
		BlockNumber: big.NewInt(19_000_000),
		GasUsed:     65_000,
	}
}

func newVerifier(c *fakeClient, opts ...Option) *Verifier {
	pool := chain.NewStaticPool(map[uint64]chain.Client{1: c})
	return New(chain.DefaultRegistry(), pool, treasury, opts...)
}

func usdcClaim(amount string) Claim {
	return Claim{ChainID: 1, TxHash: txHash, Sender: payer, TokenSymbol: "USDC", ExpectedAmount: amount}
}

func TestVerifyExactAmount(t *testing.T) {
	c := &fakeClient{receipt: receiptWith(transferLog(usdcMain, payer, treasury, 25_000_000))}
	v := newVerifier(c)

	for i := 0; i < 3; i++ {
		got, err := v.Verify(context.Background(), usdcClaim("25.00"))
		if err != nil {
			t.Fatalf("call %d: Verify: %v", i, err)
		}
		if got.Amount.Int64() != 25_000_000 || got.From != payer || got.To != treasury {
			t.Fatalf("unexpected transfer: %+v", got)
		}
		if got.BlockNumber != 19_000_000 || got.GasUsed != 65_000 || got.ChainName != "Ethereum" {
			t.Fatalf("audit fields missing: %+v", got)
		}
	}
}

func TestVerifyOneBaseUnitShort(t *testing.T) {
	c := &fakeClient{receipt: receiptWith(transferLog(usdcMain, payer, treasury, 24_999_999))}
	_, err := newVerifier(c).Verify(context.Background(), usdcClaim("25.00"))
	if !errors.Is(err, outcome.ErrInsufficientAmount) {
		t.Fatalf("expected InsufficientAmount, got %v", err)
	}
}

func TestVerifyInsufficientRegardlessOfAddresses(t *testing.T) {
	cases := []struct {
		name     string
		from, to common.Address
	}{
		{"wrong sender", stranger, treasury},
		{"wrong recipient", payer, stranger},
		{"both wrong", stranger, stranger},
	}
	for _, tc := range cases {
		c := &fakeClient{receipt: receiptWith(transferLog(usdcMain, tc.from, tc.to, 1_000))}
		_, err := newVerifier(c).Verify(context.Background(), usdcClaim("25"))
		if !errors.Is(err, outcome.ErrInsufficientAmount) {
			t.Fatalf("%s: expected InsufficientAmount, got %v", tc.name, err)
		}
	}
}

func TestVerifyOverpaymentAccepted(t *testing.T) {
	c := &fakeClient{receipt: receiptWith(transferLog(usdcMain, payer, treasury, 30_000_000))}
	if _, err := newVerifier(c).Verify(context.Background(), usdcClaim("25")); err != nil {
		t.Fatalf("overpayment rejected: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	failed := receiptWith(transferLog(usdcMain, payer, treasury, 25_000_000))
	failed.Status = types.ReceiptStatusFailed

	cases := []struct {
		name   string
		client *fakeClient
		claim  Claim
		want   error
	}{
		{"sender mismatch", &fakeClient{receipt: receiptWith(transferLog(usdcMain, stranger, treasury, 25_000_000))}, usdcClaim("25"), outcome.ErrSenderMismatch},
		{"recipient mismatch", &fakeClient{receipt: receiptWith(transferLog(usdcMain, payer, stranger, 25_000_000))}, usdcClaim("25"), outcome.ErrRecipientMismatch},
		{"unrelated contract only", &fakeClient{receipt: receiptWith(transferLog(usdtMain, payer, treasury, 25_000_000))}, usdcClaim("25"), outcome.ErrNoMatchingTransferEvent},
		{"no logs", &fakeClient{receipt: receiptWith()}, usdcClaim("25"), outcome.ErrNoMatchingTransferEvent},
		{"failed status", &fakeClient{receipt: failed}, usdcClaim("25"), outcome.ErrTransactionFailed},
		{"receipt not found", &fakeClient{receiptErr: ethereum.NotFound}, usdcClaim("25"), outcome.ErrTransactionNotFound},
		{"tx not found", &fakeClient{receipt: receiptWith(), txErr: ethereum.NotFound}, usdcClaim("25"), outcome.ErrTransactionNotFound},
		{"pending", &fakeClient{receipt: receiptWith(), pending: true}, usdcClaim("25"), outcome.ErrTransactionNotFound},
		{"rpc down", &fakeClient{receiptErr: errors.New("connection reset by peer")}, usdcClaim("25"), outcome.ErrTransient},
		{"unsupported chain", &fakeClient{}, Claim{ChainID: 56, TxHash: txHash, Sender: payer, TokenSymbol: "USDC", ExpectedAmount: "25"}, outcome.ErrUnsupportedChainOrToken},
		{"unsupported token", &fakeClient{}, Claim{ChainID: 1, TxHash: txHash, Sender: payer, TokenSymbol: "DAI", ExpectedAmount: "25"}, outcome.ErrUnsupportedChainOrToken},
		{"bad amount", &fakeClient{}, usdcClaim("-3"), outcome.ErrInvalidClaim},
	}
	for _, tc := range cases {
		_, err := newVerifier(tc.client).Verify(context.Background(), tc.claim)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestVerifyIgnoresMalformedTransferLogs(t *testing.T) {
	nft := transferLog(usdcMain, payer, treasury, 25_000_000)
	nft.Topics = append(nft.Topics, common.BigToHash(big.NewInt(7)))
	short := transferLog(usdcMain, payer, treasury, 25_000_000)
	short.Data = short.Data[:16]

	c := &fakeClient{receipt: receiptWith(nft, short)}
	_, err := newVerifier(c).Verify(context.Background(), usdcClaim("25"))
	if !errors.Is(err, outcome.ErrNoMatchingTransferEvent) {
		t.Fatalf("expected NoMatchingTransferEvent, got %v", err)
	}
}

func TestVerifyPicksMatchingLogAmongSeveral(t *testing.T) {
	c := &fakeClient{receipt: receiptWith(
		transferLog(usdtMain, payer, treasury, 99_000_000),
		transferLog(usdcMain, payer, stranger, 25_000_000),
		transferLog(usdcMain, payer, treasury, 25_000_000),
	)}
	got, err := newVerifier(c).Verify(context.Background(), usdcClaim("25"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.To != treasury {
		t.Fatalf("wrong log selected: %+v", got)
	}
}

func TestVerifyTimesOutAsTransient(t *testing.T) {
	c := &fakeClient{block: true}
	start := time.Now()
	_, err := newVerifier(c, WithTimeout(20*time.Millisecond)).Verify(context.Background(), usdcClaim("25"))
	if !outcome.Retryable(err) {
		t.Fatalf("expected retryable transient error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		in   string
		dec  uint8
		want int64
	}{
		{"25", 6, 25_000_000},
		{"25.00", 6, 25_000_000},
		{"0.000001", 6, 1},
		{"0.0000001", 6, 1},
		{"49.9999995", 6, 50_000_000},
		{"100", 0, 100},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(tc.in, tc.dec)
		if err != nil {
			t.Fatalf("ToBaseUnits(%q): %v", tc.in, err)
		}
		if got.Int64() != tc.want {
			t.Fatalf("ToBaseUnits(%q, %d)=%s want %d", tc.in, tc.dec, got, tc.want)
		}
	}
	for _, bad := range []string{"", "abc", "0", "-1", "0.00"} {
		if _, err := ToBaseUnits(bad, 6); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ToBaseUnits(%q) accepted", bad)
		}
	}
	big18, err := ToBaseUnits("1.5", 18)
	if err != nil || big18.String() != "1500000000000000000" {
		t.Fatalf("18 decimals: %v %v", big18, err)
	}
	if got := FormatBaseUnits(big.NewInt(25_000_000), 6); got != "25" {
		t.Fatalf("FormatBaseUnits=%s", got)
	}
}
