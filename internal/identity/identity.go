// Package identity maps verified wallet addresses and checkout emails to
// account identities. Sign-in and sign-up are separate operations: proving
// ownership of a wallet never creates an account on its own.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/ids"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

// Mode selects sign-in or sign-up semantics for Resolve.
type Mode int

const (
	SignIn Mode = iota + 1
	SignUp
)

func (m Mode) String() string {
	switch m {
	case SignIn:
		return "signin"
	case SignUp:
		return "signup"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrAlreadyExists = errors.New("identity: already exists")
)

// Identity is an account that can hold credits. WalletAddress is empty for
// email-only identities.
type Identity struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists identities and their wallet bindings.
//
// CreateIdentity must insert the identity and, when WalletAddress is set, its
// wallet binding atomically, and return ErrAlreadyExists when either the
// email or the wallet is already taken.
type Store interface {
	CreateIdentity(ctx context.Context, id Identity) error
	IdentityByID(ctx context.Context, id string) (Identity, error)
	IdentityByWallet(ctx context.Context, wallet string) (Identity, error)
	IdentityByEmail(ctx context.Context, email string) (Identity, error)
}

// Resolver implements the sign-in / sign-up contract over a Store.
type Resolver struct {
	store Store
	now   func() time.Time
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Resolve returns the identity bound to wallet. SignIn fails with
// NoAccountForWallet when no binding exists; SignUp fails with
// AccountAlreadyExists when one does, and otherwise creates the identity and
// its binding.
func (r *Resolver) Resolve(ctx context.Context, wallet common.Address, mode Mode) (Identity, error) {
	addr := chain.NormalizeAddress(wallet)
	existing, err := r.store.IdentityByWallet(ctx, addr)
	switch {
	case err == nil:
		if mode == SignUp {
			return Identity{}, outcome.New(outcome.AccountAlreadyExists, "an account already exists for this wallet")
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Identity{}, outcome.Transient(err, "lookup wallet binding")
	}

	switch mode {
	case SignIn:
		return Identity{}, outcome.New(outcome.NoAccountForWallet, "no account found for this wallet; sign up first")
	case SignUp:
	default:
		return Identity{}, fmt.Errorf("identity: unknown %s", mode)
	}

	id := Identity{
		ID:            ids.New(),
		Email:         addr,
		DisplayName:   DefaultDisplayName(addr),
		WalletAddress: addr,
		CreatedAt:     r.now().UTC(),
	}
	if err := r.store.CreateIdentity(ctx, id); err != nil {
		// lost a race with a concurrent sign-up for the same wallet
		if errors.Is(err, ErrAlreadyExists) {
			return Identity{}, outcome.New(outcome.AccountAlreadyExists, "an account already exists for this wallet")
		}
		return Identity{}, outcome.Transient(err, "create wallet identity")
	}
	return id, nil
}

// Lookup reports whether wallet is bound to an identity. It never creates one.
func (r *Resolver) Lookup(ctx context.Context, wallet common.Address) (Identity, bool, error) {
	id, err := r.store.IdentityByWallet(ctx, chain.NormalizeAddress(wallet))
	if errors.Is(err, ErrNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, outcome.Transient(err, "lookup wallet binding")
	}
	return id, true, nil
}

// ResolveEmail is Resolve for email identities, as used by hosted checkout.
func (r *Resolver) ResolveEmail(ctx context.Context, email string, mode Mode) (Identity, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, outcome.Newf(outcome.InvalidClaim, "invalid email %q", email)
	}
	existing, err := r.store.IdentityByEmail(ctx, email)
	switch {
	case err == nil:
		if mode == SignUp {
			return Identity{}, outcome.New(outcome.AccountAlreadyExists, "an account already exists for this email")
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Identity{}, outcome.Transient(err, "lookup email identity")
	}
	if mode != SignUp {
		return Identity{}, outcome.New(outcome.UnknownWallet, "no account found for this email")
	}

	id := Identity{
		ID:          ids.New(),
		Email:       email,
		DisplayName: email[:strings.Index(email, "@")],
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.CreateIdentity(ctx, id); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Identity{}, outcome.New(outcome.AccountAlreadyExists, "an account already exists for this email")
		}
		return Identity{}, outcome.Transient(err, "create email identity")
	}
	return id, nil
}

// Get loads an identity by id.
func (r *Resolver) Get(ctx context.Context, id string) (Identity, error) {
	out, err := r.store.IdentityByID(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrNotFound) {
		return Identity{}, outcome.New(outcome.Unauthenticated, "identity no longer exists")
	}
	if err != nil {
		return Identity{}, outcome.Transient(err, "load identity")
	}
	return out, nil
}

// DefaultDisplayName abbreviates a wallet address, e.g. "User 0x1234...abcd".
func DefaultDisplayName(wallet string) string {
	if len(wallet) < 10 {
		return "User " + wallet
	}
	return "User " + wallet[:6] + "..." + wallet[len(wallet)-4:]
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
