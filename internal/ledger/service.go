package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Crypto-SI/wafflepayment/internal/ids"
)

// Service defines credit ledger operations.
//
// Grant is atomic per ExternalTxID: concurrent grants with the same id yield
// exactly one entry; every other caller observes AlreadyProcessed with the
// first caller's credits, regardless of the credits it asked for.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (GrantResult, error)
	Spend(ctx context.Context, req SpendRequest) (GrantResult, error)
	Balance(ctx context.Context, identityID string) (int64, error)
	Entry(ctx context.Context, externalTxID string) (Entry, error)
	History(ctx context.Context, identityID string, limit int, before string) ([]Entry, string, error)
	Summary(ctx context.Context, identityID string) (Summary, error)
}

// InMemory implements Service with in-process concurrency safety.
// It backs the memory store driver and tests; it provides no cross-process guarantee.
type InMemory struct {
	mu       sync.RWMutex
	now      func() time.Time
	entries  map[string]Entry    // external tx id -> entry
	order    map[string][]string // identity -> external ids, oldest first
	balances map[string]int64
}

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		now:      time.Now,
		entries:  make(map[string]Entry),
		order:    make(map[string][]string),
		balances: make(map[string]int64),
	}
}

func (s *InMemory) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	if err := req.Validate(); err != nil {
		return GrantResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[req.ExternalTxID]; ok {
		return GrantResult{Status: AlreadyProcessed, Entry: prev, Balance: s.balances[prev.IdentityID]}, nil
	}
	bal := s.balances[req.IdentityID]
	if req.Credits < 0 && bal+req.Credits < 0 {
		return GrantResult{}, ErrInsufficientCredits
	}

	e := Entry{
		ID:           ids.New(),
		ExternalTxID: req.ExternalTxID,
		IdentityID:   req.IdentityID,
		Credits:      req.Credits,
		Source:       req.Source,
		Metadata:     copyMetadata(req.Metadata),
		CreatedAt:    s.now().UTC(),
	}
	s.entries[e.ExternalTxID] = e
	s.order[e.IdentityID] = append(s.order[e.IdentityID], e.ExternalTxID)
	s.balances[e.IdentityID] = bal + e.Credits
	return GrantResult{Status: Granted, Entry: e, Balance: bal + e.Credits}, nil
}

func (s *InMemory) Spend(ctx context.Context, req SpendRequest) (GrantResult, error) {
	g, err := req.Grant()
	if err != nil {
		return GrantResult{}, err
	}
	return s.Grant(ctx, g)
}

func (s *InMemory) Balance(ctx context.Context, identityID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[identityID], nil
}

func (s *InMemory) Entry(ctx context.Context, externalTxID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[externalTxID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// History returns entries newest first. before is an entry id cursor; the
// second return value is the cursor for the next page or "".
func (s *InMemory) History(ctx context.Context, identityID string, limit int, before string) ([]Entry, string, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.order[identityID]
	all := make([]Entry, 0, len(keys))
	for _, k := range keys {
		all = append(all, s.entries[k])
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	var res []Entry
	for _, e := range all {
		if before != "" && e.ID >= before {
			continue
		}
		res = append(res, e)
		if len(res) > limit {
			break
		}
	}
	var next string
	if len(res) > limit {
		res = res[:limit]
		next = res[limit-1].ID
	}
	return res, next, nil
}

func (s *InMemory) Summary(ctx context.Context, identityID string) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum Summary
	for _, k := range s.order[identityID] {
		sum.Add(s.entries[k].Credits)
	}
	return sum, nil
}
