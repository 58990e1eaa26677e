package challenge

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNonceNotFound = errors.New("challenge: nonce not found")

// Nonce is a single-use challenge value.
type Nonce struct {
	Value      string     `json:"nonce"`
	SessionID  string     `json:"-"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"-"`
	ConsumedAt *time.Time `json:"-"`
}

// NonceStore persists nonces. ConsumeNonce must be an atomic conditional
// write: it reports true only to the single caller that flipped the flag.
type NonceStore interface {
	CreateNonce(ctx context.Context, n Nonce) error
	GetNonce(ctx context.Context, value string) (Nonce, error)
	ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error)
}

// InMemory is a process-local NonceStore.
type InMemory struct {
	mu     sync.Mutex
	nonces map[string]Nonce
}

func NewInMemory() *InMemory {
	return &InMemory{nonces: make(map[string]Nonce)}
}

func (s *InMemory) CreateNonce(ctx context.Context, n Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[n.Value]; ok {
		return errors.New("challenge: duplicate nonce")
	}
	s.nonces[n.Value] = n
	return nil
}

func (s *InMemory) GetNonce(ctx context.Context, value string) (Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[value]
	if !ok {
		return Nonce{}, ErrNonceNotFound
	}
	return n, nil
}

func (s *InMemory) ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[value]
	if !ok || n.Consumed || !now.Before(n.ExpiresAt) {
		return false, nil
	}
	n.Consumed = true
	n.ConsumedAt = &now
	s.nonces[value] = n
	return true, nil
}

func (s *InMemory) PurgeNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.nonces {
		if v.ExpiresAt.Before(cutoff) {
			delete(s.nonces, k)
			n++
		}
	}
	return n, nil
}
