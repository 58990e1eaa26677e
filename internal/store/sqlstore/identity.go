package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Crypto-SI/wafflepayment/internal/identity"
)

// CreateIdentity inserts the identity and its wallet binding atomically.
// Either unique constraint firing is reported as identity.ErrAlreadyExists.
func (s *Store) CreateIdentity(ctx context.Context, id identity.Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into identities(id, email, display_name, created_at)
		values ($1, $2, $3, $4)
	`, id.ID, id.Email, id.DisplayName, id.CreatedAt); err != nil {
		if s.isUnique(err) {
			return identity.ErrAlreadyExists
		}
		return err
	}
	if id.WalletAddress != "" {
		if _, err := tx.ExecContext(ctx, `
			insert into wallet_bindings(wallet_address, identity_id, created_at)
			values ($1, $2, $3)
		`, id.WalletAddress, id.ID, id.CreatedAt); err != nil {
			if s.isUnique(err) {
				return identity.ErrAlreadyExists
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) IdentityByID(ctx context.Context, id string) (identity.Identity, error) {
	return s.queryIdentity(ctx, `
		select i.id, i.email, i.display_name, i.created_at, coalesce(w.wallet_address, '')
		from identities i
		left join wallet_bindings w on w.identity_id = i.id
		where i.id = $1
	`, id)
}

func (s *Store) IdentityByWallet(ctx context.Context, wallet string) (identity.Identity, error) {
	return s.queryIdentity(ctx, `
		select i.id, i.email, i.display_name, i.created_at, w.wallet_address
		from wallet_bindings w
		join identities i on i.id = w.identity_id
		where w.wallet_address = $1
	`, wallet)
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	return s.queryIdentity(ctx, `
		select i.id, i.email, i.display_name, i.created_at, coalesce(w.wallet_address, '')
		from identities i
		left join wallet_bindings w on w.identity_id = i.id
		where i.email = $1
	`, email)
}

func (s *Store) queryIdentity(ctx context.Context, query, arg string) (identity.Identity, error) {
	var out identity.Identity
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&out.ID, &out.Email, &out.DisplayName, &out.CreatedAt, &out.WalletAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, err
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}
