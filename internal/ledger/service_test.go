package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

func grant(id, ext string, credits int64) GrantRequest {
	return GrantRequest{IdentityID: id, ExternalTxID: ext, Credits: credits, Source: SourceOnchain}
}

func TestGrantAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	res, err := s.Grant(ctx, grant("u1", "0xabc", 1000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Granted || res.Balance != 1000 || res.Entry.Credits != 1000 {
		t.Fatalf("unexpected result %+v", res)
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal != 1000 {
		t.Fatalf("balance=%d", bal)
	}
}

func TestDuplicateGrantKeepsFirstCredits(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if _, err := s.Grant(ctx, grant("u1", "0xabc", 1000)); err != nil {
		t.Fatal(err)
	}
	res, err := s.Grant(ctx, grant("u1", "0xabc", 4444))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AlreadyProcessed || res.Entry.Credits != 1000 {
		t.Fatalf("expected AlreadyProcessed with first credits, got %+v", res)
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal != 1000 {
		t.Fatalf("duplicate grant changed balance: %d", bal)
	}
}

func TestConcurrentGrantsSameExternalID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	const N = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		replayed int
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Grant(ctx, grant("u1", "0xsame", int64(100+i)))
			if err != nil {
				t.Errorf("grant: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Status == Granted {
				granted++
			} else {
				replayed++
			}
		}(i)
	}
	wg.Wait()

	if granted != 1 || replayed != N-1 {
		t.Fatalf("granted=%d replayed=%d", granted, replayed)
	}
	e, err := s.Entry(ctx, "0xsame")
	if err != nil {
		t.Fatal(err)
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal != e.Credits {
		t.Fatalf("balance %d does not equal the single entry %d", bal, e.Credits)
	}
}

func TestSpend(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.Grant(ctx, grant("u1", "0xabc", 100)); err != nil {
		t.Fatal(err)
	}

	res, err := s.Spend(ctx, SpendRequest{IdentityID: "u1", Credits: 40, IdempotencyKey: "k1", Reason: "render"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Balance != 60 || res.Entry.Credits != -40 || res.Entry.Source != SourceUsage {
		t.Fatalf("unexpected spend %+v", res)
	}

	again, err := s.Spend(ctx, SpendRequest{IdentityID: "u1", Credits: 40, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != AlreadyProcessed || again.Balance != 60 {
		t.Fatalf("replayed spend must not debit twice: %+v", again)
	}

	if _, err := s.Spend(ctx, SpendRequest{IdentityID: "u1", Credits: 61, IdempotencyKey: "k2"}); !errors.Is(err, outcome.ErrInsufficientCredits) {
		t.Fatalf("expected InsufficientCredits, got %v", err)
	}
	if _, err := s.Spend(ctx, SpendRequest{IdentityID: "u1", Credits: 1}); !errors.Is(err, ErrMissingExternalID) {
		t.Fatalf("expected missing key error, got %v", err)
	}

	sum, _ := s.Summary(ctx, "u1")
	if sum != (Summary{Balance: 60, Earned: 100, Used: 40, Entries: 2}) {
		t.Fatalf("summary %+v", sum)
	}
}

func TestGrantValidation(t *testing.T) {
	s := NewInMemory()
	cases := []struct {
		name string
		req  GrantRequest
		want error
	}{
		{"zero credits", grant("u1", "x", 0), ErrInvalidCredits},
		{"no identity", grant("", "x", 1), ErrMissingIdentity},
		{"no external id", grant("u1", " ", 1), ErrMissingExternalID},
		{"bad source", GrantRequest{IdentityID: "u1", ExternalTxID: "x", Credits: 1, Source: "gift"}, ErrInvalidSource},
	}
	for _, tc := range cases {
		if _, err := s.Grant(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Grant(ctx, grant("u1", fmt.Sprintf("tx-%d", i), int64(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Grant(ctx, grant("u2", "other", 7)); err != nil {
		t.Fatal(err)
	}

	page, next, err := s.History(ctx, "u1", 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].ExternalTxID != "tx-4" || page[2].ExternalTxID != "tx-2" || next == "" {
		t.Fatalf("first page %+v next=%q", page, next)
	}
	page, next, err = s.History(ctx, "u1", 3, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ExternalTxID != "tx-1" || next != "" {
		t.Fatalf("second page %+v next=%q", page, next)
	}
}
