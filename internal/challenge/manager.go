// Package challenge issues single-use nonces and verifies signed
// Sign-In-With-Ethereum messages against them.
package challenge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Crypto-SI/wafflepayment/internal/ids"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

const (
	defaultNonceTTL = 10 * time.Minute
	nonceBytes      = 16
)

// Manager runs the nonce-issued -> verified state machine. It is stateless
// apart from its store and safe for concurrent use.
type Manager struct {
	store     NonceStore
	ttl       time.Duration
	now       func() time.Time
	domain    string
	uri       string
	statement string
}

// Option configures Manager.
type Option func(*Manager)

// WithTTL sets how long an issued nonce stays usable.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithDomain requires messages to name this domain and uses it for issued challenges.
func WithDomain(domain string) Option {
	return func(m *Manager) { m.domain = strings.TrimSpace(domain) }
}

// WithURI sets the URI written into issued challenges.
func WithURI(uri string) Option {
	return func(m *Manager) { m.uri = strings.TrimSpace(uri) }
}

// WithStatement sets the human readable statement of issued challenges.
func WithStatement(s string) Option {
	return func(m *Manager) { m.statement = strings.TrimSpace(s) }
}

func NewManager(store NonceStore, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		ttl:       defaultNonceTTL,
		now:       time.Now,
		statement: "Sign in to your credits account.",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueNonce creates a random unconsumed nonce bound to session.
func (m *Manager) IssueNonce(ctx context.Context, session string) (Nonce, error) {
	value, err := ids.Nonce(nonceBytes)
	if err != nil {
		return Nonce{}, fmt.Errorf("challenge: generate nonce: %w", err)
	}
	now := m.now().UTC()
	n := Nonce{
		Value:     value,
		SessionID: session,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateNonce(ctx, n); err != nil {
		return Nonce{}, outcome.Transient(err, "store nonce")
	}
	return n, nil
}

// Challenge issues a nonce and the canonical message the wallet should sign.
func (m *Manager) Challenge(ctx context.Context, session string, address common.Address, chainID uint64) (Nonce, *Message, error) {
	if m.domain == "" || m.uri == "" {
		return Nonce{}, nil, errors.New("challenge: domain and uri must be configured to build messages")
	}
	n, err := m.IssueNonce(ctx, session)
	if err != nil {
		return Nonce{}, nil, err
	}
	exp := n.ExpiresAt
	msg := &Message{
		Domain:         m.domain,
		Address:        address,
		Statement:      m.statement,
		URI:            m.uri,
		Version:        "1",
		ChainID:        chainID,
		Nonce:          n.Value,
		IssuedAt:       n.IssuedAt,
		ExpirationTime: &exp,
	}
	msg.Raw = msg.String()
	return n, msg, nil
}

// Verify checks raw was signed by the address it names, over a nonce issued
// to session that is unexpired and unconsumed, then consumes it. A non-empty
// expectedNonce must also equal the message nonce. A nonce succeeds at most
// once, and only for the session it was issued to.
func (m *Manager) Verify(ctx context.Context, session, raw, signature, expectedNonce string) (common.Address, error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		return common.Address{}, outcome.Wrap(outcome.MalformedMessage, err, "malformed sign-in message")
	}
	now := m.now().UTC()
	if m.domain != "" && !strings.EqualFold(msg.Domain, m.domain) {
		return common.Address{}, outcome.Newf(outcome.MalformedMessage, "message domain %q is not accepted", msg.Domain)
	}
	if msg.ExpirationTime != nil && !now.Before(*msg.ExpirationTime) {
		return common.Address{}, outcome.New(outcome.MalformedMessage, "sign-in message has expired")
	}
	if msg.NotBefore != nil && now.Before(*msg.NotBefore) {
		return common.Address{}, outcome.New(outcome.MalformedMessage, "sign-in message is not yet valid")
	}

	session = strings.TrimSpace(session)
	if session == "" {
		return common.Address{}, outcome.New(outcome.NonceMismatch, "no challenge was issued to this client")
	}
	expectedNonce = strings.TrimSpace(expectedNonce)
	if expectedNonce != "" && msg.Nonce != expectedNonce {
		return common.Address{}, outcome.New(outcome.NonceMismatch, "nonce does not match the issued challenge")
	}
	rec, err := m.store.GetNonce(ctx, msg.Nonce)
	if err != nil {
		if errors.Is(err, ErrNonceNotFound) {
			return common.Address{}, outcome.New(outcome.NonceMismatch, "nonce was not issued by this service")
		}
		return common.Address{}, outcome.Transient(err, "load nonce")
	}
	if subtle.ConstantTimeCompare([]byte(rec.SessionID), []byte(session)) != 1 {
		return common.Address{}, outcome.New(outcome.NonceMismatch, "nonce was issued to another client")
	}
	if rec.Consumed {
		return common.Address{}, outcome.New(outcome.NonceAlreadyConsumed, "nonce has already been used")
	}
	if !now.Before(rec.ExpiresAt) {
		return common.Address{}, outcome.New(outcome.NonceMismatch, "nonce has expired")
	}

	signer, err := RecoverAddress(msg.Raw, signature)
	if err != nil {
		return common.Address{}, outcome.Wrap(outcome.InvalidSignature, err, "invalid signature")
	}
	if signer != msg.Address {
		return common.Address{}, outcome.New(outcome.InvalidSignature, "signature does not match message address")
	}

	ok, err := m.store.ConsumeNonce(ctx, msg.Nonce, now)
	if err != nil {
		return common.Address{}, outcome.Transient(err, "consume nonce")
	}
	if !ok {
		return common.Address{}, outcome.New(outcome.NonceAlreadyConsumed, "nonce has already been used")
	}
	return signer, nil
}
