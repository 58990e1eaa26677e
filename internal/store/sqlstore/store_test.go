package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Crypto-SI/wafflepayment/internal/identity"
	"github.com/Crypto-SI/wafflepayment/internal/ledger"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

var (
	errUnique = errors.New("duplicate key value violates unique constraint")
	errFK     = errors.New("insert or update violates foreign key constraint")
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, Dialect{
		Name:                  "mock",
		IsUniqueViolation:     func(err error) bool { return errors.Is(err, errUnique) },
		IsForeignKeyViolation: func(err error) bool { return errors.Is(err, errFK) },
	})
	return s, mock
}

func entryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_tx_id", "identity_id", "credits", "source", "metadata", "created_at"})
}

func TestGrantInsertsEntryAndBalance(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into credit_ledger").
		WithArgs(sqlmock.AnyArg(), "0xabc", "u1", int64(1000), "onchain", `{"chain_id":"1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("insert into credit_balances").
		WithArgs("u1", int64(1000), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(1250)))
	mock.ExpectCommit()

	res, err := s.Grant(context.Background(), ledger.GrantRequest{
		IdentityID:   "u1",
		ExternalTxID: "0xabc",
		Credits:      1000,
		Source:       ledger.SourceOnchain,
		Metadata:     map[string]string{"chain_id": "1"},
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if res.Status != ledger.Granted || res.Balance != 1250 || res.Entry.ID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantUniqueViolationIsAlreadyProcessed(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("insert into credit_ledger").WillReturnError(errUnique)
	mock.ExpectRollback()
	mock.ExpectQuery("select id, external_tx_id, identity_id, credits, source, metadata, created_at from credit_ledger where external_tx_id").
		WithArgs("0xabc").
		WillReturnRows(entryRows().AddRow("01ENTRY", "0xabc", "u1", int64(1000), "onchain", []byte(`{"package":"starter"}`), created))
	mock.ExpectQuery("select credits from credit_balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(1000)))

	res, err := s.Grant(context.Background(), ledger.GrantRequest{
		IdentityID:   "u1",
		ExternalTxID: "0xabc",
		Credits:      4444,
		Source:       ledger.SourceOnchain,
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if res.Status != ledger.AlreadyProcessed || res.Entry.Credits != 1000 || res.Entry.Metadata["package"] != "starter" {
		t.Fatalf("expected original entry, got %+v", res)
	}
	if !res.Entry.CreatedAt.Equal(created) {
		t.Fatalf("created_at %v", res.Entry.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantForeignKeyViolationIsUnknownIdentity(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into credit_ledger").WillReturnError(errFK)
	mock.ExpectRollback()

	_, err := s.Grant(context.Background(), ledger.GrantRequest{
		IdentityID:   "ghost",
		ExternalTxID: "0xabc",
		Credits:      1000,
		Source:       ledger.SourceOnchain,
	})
	if !errors.Is(err, ledger.ErrUnknownIdentity) || outcome.CodeOf(err) != outcome.InvalidClaim {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSpendGuardedDebit(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into credit_ledger").
		WithArgs(sqlmock.AnyArg(), "usage:u1:k1", "u1", int64(-50), "usage", "{}", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`update credit_balances\s+set credits = credits \+ \$1`).
		WithArgs(int64(-50), sqlmock.AnyArg(), "u1", int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectRollback()

	_, err := s.Spend(context.Background(), ledger.SpendRequest{IdentityID: "u1", Credits: 50, IdempotencyKey: "k1"})
	if !errors.Is(err, outcome.ErrInsufficientCredits) {
		t.Fatalf("expected InsufficientCredits, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantRejectsInvalidWithoutQuery(t *testing.T) {
	s, mock := newMock(t)
	if _, err := s.Grant(context.Background(), ledger.GrantRequest{IdentityID: "u1", ExternalTxID: "x", Source: ledger.SourceOnchain}); !errors.Is(err, ledger.ErrInvalidCredits) {
		t.Fatalf("expected ErrInvalidCredits, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected queries: %v", err)
	}
}

func TestHistoryCursor(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from credit_ledger\\s+where identity_id = \\$1").
		WithArgs("u1", "", "", 3).
		WillReturnRows(entryRows().
			AddRow("03", "c", "u1", int64(3), "onchain", []byte(`{}`), now).
			AddRow("02", "b", "u1", int64(2), "onchain", []byte(`{}`), now).
			AddRow("01", "a", "u1", int64(1), "onchain", []byte(`{}`), now))

	page, next, err := s.History(context.Background(), "u1", 2, "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page) != 2 || next != "02" || page[0].Metadata != nil {
		t.Fatalf("unexpected page %+v next=%q", page, next)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSummary(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("count\\(\\*\\)").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"earned", "used", "entries"}).AddRow(int64(3105), int64(105), 4))

	sum, err := s.Summary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum != (ledger.Summary{Balance: 3000, Earned: 3105, Used: 105, Entries: 4}) {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestCreateIdentityBindingConflict(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into identities").
		WithArgs("id1", "0xabc", "User 0xabc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into wallet_bindings").
		WithArgs("0xabc", "id1", sqlmock.AnyArg()).
		WillReturnError(errUnique)
	mock.ExpectRollback()

	err := s.CreateIdentity(context.Background(), identity.Identity{
		ID:            "id1",
		Email:         "0xabc",
		DisplayName:   "User 0xabc",
		WalletAddress: "0xabc",
		CreatedAt:     time.Now(),
	})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityByWalletNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from wallet_bindings w").
		WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name", "created_at", "wallet_address"}))

	if _, err := s.IdentityByWallet(context.Background(), "0xabc"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConsumeNonceConditionalUpdate(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec("update auth_nonces\\s+set consumed = true").
		WithArgs(sqlmock.AnyArg(), "nonce-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update auth_nonces\\s+set consumed = true").
		WithArgs(sqlmock.AnyArg(), "nonce-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ConsumeNonce(context.Background(), "nonce-1", now)
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	ok, err = s.ConsumeNonce(context.Background(), "nonce-1", now)
	if err != nil || ok {
		t.Fatalf("second consume: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
