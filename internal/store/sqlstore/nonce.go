package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Crypto-SI/wafflepayment/internal/challenge"
)

func (s *Store) CreateNonce(ctx context.Context, n challenge.Nonce) error {
	_, err := s.db.ExecContext(ctx, `
		insert into auth_nonces(nonce, session_id, issued_at, expires_at)
		values ($1, $2, $3, $4)
	`, n.Value, n.SessionID, n.IssuedAt.UTC(), n.ExpiresAt.UTC())
	return err
}

func (s *Store) GetNonce(ctx context.Context, value string) (challenge.Nonce, error) {
	var (
		n          challenge.Nonce
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select nonce, session_id, issued_at, expires_at, consumed, consumed_at
		from auth_nonces
		where nonce = $1
	`, value).Scan(&n.Value, &n.SessionID, &n.IssuedAt, &n.ExpiresAt, &n.Consumed, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.Nonce{}, challenge.ErrNonceNotFound
	}
	if err != nil {
		return challenge.Nonce{}, err
	}
	n.IssuedAt = n.IssuedAt.UTC()
	n.ExpiresAt = n.ExpiresAt.UTC()
	if consumedAt.Valid {
		t := consumedAt.Time.UTC()
		n.ConsumedAt = &t
	}
	return n, nil
}

// ConsumeNonce flips the consumed flag with a conditional update; of any
// number of concurrent callers exactly one sees a changed row.
func (s *Store) ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `
		update auth_nonces
		set consumed = true, consumed_at = $1
		where nonce = $2 and consumed = false and expires_at > $3
	`, now, value, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeNonces deletes nonces that expired before cutoff and returns how many were removed.
func (s *Store) PurgeNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_nonces where expires_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
