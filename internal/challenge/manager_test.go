package challenge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

type wallet struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// sign produces a personal_sign signature the way browser wallets do (v = 27/28).
func (w wallet) sign(t *testing.T, msg string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), w.key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(clock *fixedClock) *Manager {
	return NewManager(NewInMemory(),
		WithClock(clock.Now),
		WithTTL(5*time.Minute),
		WithDomain("credits.example.com"),
		WithURI("https://credits.example.com/login"),
	)
}

func TestVerifySucceedsOnceThenNonceConsumed(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	w := newWallet(t)
	ctx := context.Background()

	nonce, msg, err := m.Challenge(ctx, "session-1", w.addr, 1)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	sig := w.sign(t, msg.Raw)

	got, err := m.Verify(ctx, "session-1", msg.Raw, sig, nonce.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != w.addr {
		t.Fatalf("recovered %s, want %s", got.Hex(), w.addr.Hex())
	}

	// a freshly derived signature over the same message must still fail
	_, err = m.Verify(ctx, "session-1", msg.Raw, w.sign(t, msg.Raw), nonce.Value)
	if !errors.Is(err, outcome.ErrNonceAlreadyConsumed) {
		t.Fatalf("expected NonceAlreadyConsumed, got %v", err)
	}
}

func TestVerifyNonceMismatchWithValidSignature(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	w := newWallet(t)
	ctx := context.Background()

	issued, err := m.IssueNonce(ctx, "session-1")
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	_, msg, err := m.Challenge(ctx, "session-2", w.addr, 1)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}

	_, err = m.Verify(ctx, "session-2", msg.Raw, w.sign(t, msg.Raw), issued.Value)
	if !errors.Is(err, outcome.ErrNonceMismatch) {
		t.Fatalf("expected NonceMismatch, got %v", err)
	}
}

func TestVerifyBindsNonceToIssuingSession(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	w := newWallet(t)
	ctx := context.Background()

	_, msg, err := m.Challenge(ctx, "victim", w.addr, 1)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	sig := w.sign(t, msg.Raw)

	if _, err := m.Verify(ctx, "", msg.Raw, sig, msg.Nonce); !errors.Is(err, outcome.ErrNonceMismatch) {
		t.Fatalf("no session: expected NonceMismatch, got %v", err)
	}
	if _, err := m.Verify(ctx, "other", msg.Raw, sig, msg.Nonce); !errors.Is(err, outcome.ErrNonceMismatch) {
		t.Fatalf("foreign session: expected NonceMismatch, got %v", err)
	}
	// rejected attempts from other sessions leave the nonce usable by its owner
	if _, err := m.Verify(ctx, "victim", msg.Raw, sig, ""); err != nil {
		t.Fatalf("owning session: %v", err)
	}
}

func TestVerifyRejectsUnissuedAndExpiredNonces(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	w := newWallet(t)
	ctx := context.Background()

	forged := &Message{
		Domain:   "credits.example.com",
		Address:  w.addr,
		URI:      "https://credits.example.com/login",
		Version:  "1",
		ChainID:  1,
		Nonce:    "abcdef0123456789",
		IssuedAt: clock.Now(),
	}
	raw := forged.String()
	if _, err := m.Verify(ctx, "s", raw, w.sign(t, raw), forged.Nonce); !errors.Is(err, outcome.ErrNonceMismatch) {
		t.Fatalf("unissued nonce: expected NonceMismatch, got %v", err)
	}

	nonce, err := m.IssueNonce(ctx, "s")
	if err != nil {
		t.Fatalf("IssueNonce: %v", err)
	}
	forged.Nonce = nonce.Value
	raw = forged.String()
	clock.Advance(6 * time.Minute)
	if _, err := m.Verify(ctx, "s", raw, w.sign(t, raw), nonce.Value); !errors.Is(err, outcome.ErrNonceMismatch) {
		t.Fatalf("expired nonce: expected NonceMismatch, got %v", err)
	}
}

func TestVerifyInvalidSignature(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	owner := newWallet(t)
	attacker := newWallet(t)
	ctx := context.Background()

	nonce, msg, err := m.Challenge(ctx, "s", owner.addr, 1)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}

	if _, err := m.Verify(ctx, "s", msg.Raw, attacker.sign(t, msg.Raw), nonce.Value); !errors.Is(err, outcome.ErrInvalidSignature) {
		t.Fatalf("foreign signer: expected InvalidSignature, got %v", err)
	}
	if _, err := m.Verify(ctx, "s", msg.Raw, "0xdeadbeef", nonce.Value); !errors.Is(err, outcome.ErrInvalidSignature) {
		t.Fatalf("short signature: expected InvalidSignature, got %v", err)
	}

	// Same fields, different bytes: the signature covers the text that was displayed.
	sig := owner.sign(t, msg.Raw)
	altered := strings.Replace(msg.Raw, msg.Statement, msg.Statement+" ", 1)
	if _, err := m.Verify(ctx, "s", altered, sig, nonce.Value); !errors.Is(err, outcome.ErrInvalidSignature) {
		t.Fatalf("altered message: expected InvalidSignature, got %v", err)
	}

	// failed attempts leave the nonce usable
	if _, err := m.Verify(ctx, "s", msg.Raw, sig, nonce.Value); err != nil {
		t.Fatalf("genuine attempt after failures: %v", err)
	}
}

func TestVerifyMalformedAndExpiredMessages(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	w := newWallet(t)
	ctx := context.Background()

	nonce, msg, err := m.Challenge(ctx, "s", w.addr, 1)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	noNonce := strings.Replace(msg.Raw, "Nonce: "+nonce.Value+"\n", "", 1)
	if _, err := m.Verify(ctx, "s", noNonce, w.sign(t, noNonce), nonce.Value); !errors.Is(err, outcome.ErrMalformedMessage) {
		t.Fatalf("expected MalformedMessage, got %v", err)
	}

	other := strings.Replace(msg.Raw, "credits.example.com wants", "evil.example.com wants", 1)
	if _, err := m.Verify(ctx, "s", other, w.sign(t, other), nonce.Value); !errors.Is(err, outcome.ErrMalformedMessage) {
		t.Fatalf("foreign domain: expected MalformedMessage, got %v", err)
	}

	clock.Advance(5 * time.Minute)
	if _, err := m.Verify(ctx, "s", msg.Raw, w.sign(t, msg.Raw), nonce.Value); !errors.Is(err, outcome.ErrMalformedMessage) {
		t.Fatalf("expired message: expected MalformedMessage, got %v", err)
	}
}

func TestVerifyConcurrentReplay(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	w := newWallet(t)
	ctx := context.Background()

	nonce, msg, err := m.Challenge(ctx, "s", w.addr, 1)
	if err != nil {
		t.Fatalf("Challenge: %v", err)
	}
	sig := w.sign(t, msg.Raw)

	const N = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		consumed int
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Verify(ctx, "s", msg.Raw, sig, nonce.Value)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, outcome.ErrNonceAlreadyConsumed):
				consumed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || consumed != N-1 {
		t.Fatalf("expected exactly one success, got ok=%d consumed=%d", ok, consumed)
	}
}

func TestRecoverAddressAcceptsBothRecoveryIDForms(t *testing.T) {
	w := newWallet(t)
	msg := "hello"
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), w.key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw := hexutil.Encode(sig)
	got, err := RecoverAddress(msg, raw)
	if err != nil || got != w.addr {
		t.Fatalf("v=0/1 form: %s %v", got.Hex(), err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	got, err = RecoverAddress(msg, hexutil.Encode(sig))
	if err != nil || got != w.addr {
		t.Fatalf("v=27/28 form: %s %v", got.Hex(), err)
	}
	sig[crypto.RecoveryIDOffset] = 5
	if _, err := RecoverAddress(msg, hexutil.Encode(sig)); err == nil {
		t.Fatal("expected error for bad recovery id")
	}
}
