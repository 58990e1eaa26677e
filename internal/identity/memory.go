package identity

import (
	"context"
	"sync"
)

// InMemory is a Store for tests and the memory driver.
type InMemory struct {
	mu       sync.RWMutex
	byID     map[string]Identity
	byWallet map[string]string
	byEmail  map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]Identity),
		byWallet: make(map[string]string),
		byEmail:  make(map[string]string),
	}
}

func (s *InMemory) CreateIdentity(ctx context.Context, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.byEmail[id.Email]; ok {
		return ErrAlreadyExists
	}
	if id.WalletAddress != "" {
		if _, ok := s.byWallet[id.WalletAddress]; ok {
			return ErrAlreadyExists
		}
		s.byWallet[id.WalletAddress] = id.ID
	}
	s.byID[id.ID] = id
	s.byEmail[id.Email] = id.ID
	return nil
}

func (s *InMemory) IdentityByID(ctx context.Context, id string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.byID[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return out, nil
}

func (s *InMemory) IdentityByWallet(ctx context.Context, wallet string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byWallet[wallet]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *InMemory) IdentityByEmail(ctx context.Context, email string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return s.byID[id], nil
}
