package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Crypto-SI/wafflepayment/internal/ids"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
)

const entryColumns = `id, external_tx_id, identity_id, credits, source, metadata, created_at`

// Grant inserts the entry and moves the balance in one transaction. The
// unique constraint on external_tx_id decides between Granted and
// AlreadyProcessed; there is no pre-check.
func (s *Store) Grant(ctx context.Context, req ledger.GrantRequest) (ledger.GrantResult, error) {
	if err := req.Validate(); err != nil {
		return ledger.GrantResult{}, err
	}
	meta, err := encodeMetadata(req.Metadata)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	e := ledger.Entry{
		ID:           ids.New(),
		ExternalTxID: req.ExternalTxID,
		IdentityID:   req.IdentityID,
		Credits:      req.Credits,
		Source:       req.Source,
		Metadata:     req.Metadata,
		CreatedAt:    s.now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into credit_ledger(`+entryColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ExternalTxID, e.IdentityID, e.Credits, string(e.Source), meta, e.CreatedAt); err != nil {
		if s.isUnique(err) {
			_ = tx.Rollback()
			return s.alreadyProcessed(ctx, req.ExternalTxID)
		}
		if s.isForeignKey(err) {
			return ledger.GrantResult{}, ledger.ErrUnknownIdentity
		}
		return ledger.GrantResult{}, err
	}

	var balance int64
	if e.Credits > 0 {
		err = tx.QueryRowContext(ctx, `
			insert into credit_balances(identity_id, credits, updated_at)
			values ($1, $2, $3)
			on conflict (identity_id) do update
			set credits = credit_balances.credits + excluded.credits, updated_at = excluded.updated_at
			returning credits
		`, e.IdentityID, e.Credits, e.CreatedAt).Scan(&balance)
	} else {
		// guarded debit: no row means the balance would go negative
		err = tx.QueryRowContext(ctx, `
			update credit_balances
			set credits = credits + $1, updated_at = $2
			where identity_id = $3 and credits >= $4
			returning credits
		`, e.Credits, e.CreatedAt, e.IdentityID, -e.Credits).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.GrantResult{}, ledger.ErrInsufficientCredits
		}
	}
	if err != nil {
		return ledger.GrantResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.GrantResult{}, err
	}
	return ledger.GrantResult{Status: ledger.Granted, Entry: e, Balance: balance}, nil
}

func (s *Store) alreadyProcessed(ctx context.Context, externalTxID string) (ledger.GrantResult, error) {
	prev, err := s.Entry(ctx, externalTxID)
	if err != nil {
		return ledger.GrantResult{}, fmt.Errorf("load existing entry: %w", err)
	}
	bal, err := s.Balance(ctx, prev.IdentityID)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	return ledger.GrantResult{Status: ledger.AlreadyProcessed, Entry: prev, Balance: bal}, nil
}

func (s *Store) Spend(ctx context.Context, req ledger.SpendRequest) (ledger.GrantResult, error) {
	g, err := req.Grant()
	if err != nil {
		return ledger.GrantResult{}, err
	}
	return s.Grant(ctx, g)
}

func (s *Store) Balance(ctx context.Context, identityID string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `select credits from credit_balances where identity_id = $1`, identityID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (s *Store) Entry(ctx context.Context, externalTxID string) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `select `+entryColumns+` from credit_ledger where external_tx_id = $1`, externalTxID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return e, err
}

func (s *Store) History(ctx context.Context, identityID string, limit int, before string) ([]ledger.Entry, string, error) {
	limit = ledger.ClampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from credit_ledger
		where identity_id = $1 and ($2 = '' or id < $3)
		order by id desc
		limit $4
	`, identityID, before, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var res []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(res) > limit {
		res = res[:limit]
		next = res[limit-1].ID
	}
	return res, next, nil
}

func (s *Store) Summary(ctx context.Context, identityID string) (ledger.Summary, error) {
	var sum ledger.Summary
	err := s.db.QueryRowContext(ctx, `
		select
			coalesce(sum(case when credits > 0 then credits else 0 end), 0),
			coalesce(sum(case when credits < 0 then -credits else 0 end), 0),
			count(*)
		from credit_ledger
		where identity_id = $1
	`, identityID).Scan(&sum.Earned, &sum.Used, &sum.Entries)
	if err != nil {
		return ledger.Summary{}, err
	}
	sum.Balance = sum.Earned - sum.Used
	return sum, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e      ledger.Entry
		source string
		meta   []byte
	)
	if err := row.Scan(&e.ID, &e.ExternalTxID, &e.IdentityID, &e.Credits, &source, &meta, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Source = ledger.Source(source)
	e.CreatedAt = e.CreatedAt.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return ledger.Entry{}, fmt.Errorf("decode metadata: %w", err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}
	return e, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}
