package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

// Source records where a ledger entry came from.
type Source string

const (
	SourceOnchain        Source = "onchain"
	SourceHostedCheckout Source = "hosted_checkout"
	SourceUsage          Source = "usage"
)

func (s Source) Valid() bool {
	switch s {
	case SourceOnchain, SourceHostedCheckout, SourceUsage:
		return true
	}
	return false
}

// Entry is one immutable credit movement. Credits are signed: grants are
// positive, usage is negative. ExternalTxID is unique across the ledger.
type Entry struct {
	ID           string            `json:"id"`
	ExternalTxID string            `json:"external_tx_id"`
	IdentityID   string            `json:"identity_id"`
	Credits      int64             `json:"credits"`
	Source       Source            `json:"source"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// GrantStatus distinguishes a fresh grant from a replay. Both are successes.
type GrantStatus string

const (
	Granted          GrantStatus = "granted"
	AlreadyProcessed GrantStatus = "already_processed"
)

type GrantRequest struct {
	IdentityID   string
	ExternalTxID string
	Credits      int64
	Source       Source
	Metadata     map[string]string
}

// Validate checks the request shape; it does not consult the ledger.
func (r GrantRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.IdentityID) == "":
		return ErrMissingIdentity
	case strings.TrimSpace(r.ExternalTxID) == "":
		return ErrMissingExternalID
	case r.Credits == 0:
		return ErrInvalidCredits
	case !r.Source.Valid():
		return ErrInvalidSource
	}
	return nil
}

// GrantResult reports the recorded entry. For AlreadyProcessed, Entry is the
// original row and Entry.Credits the previously recorded amount.
type GrantResult struct {
	Status  GrantStatus `json:"status"`
	Entry   Entry       `json:"entry"`
	Balance int64       `json:"balance"`
}

// SpendRequest debits credits for usage. IdempotencyKey is scoped to the
// identity, so two users may reuse the same key.
type SpendRequest struct {
	IdentityID     string
	Credits        int64
	IdempotencyKey string
	Reason         string
}

// Grant converts the spend into a negative, idempotent grant.
func (r SpendRequest) Grant() (GrantRequest, error) {
	if r.Credits <= 0 {
		return GrantRequest{}, ErrInvalidCredits
	}
	key := strings.TrimSpace(r.IdempotencyKey)
	if key == "" {
		return GrantRequest{}, ErrMissingExternalID
	}
	meta := map[string]string{}
	if r.Reason != "" {
		meta["reason"] = r.Reason
	}
	return GrantRequest{
		IdentityID:   r.IdentityID,
		ExternalTxID: "usage:" + r.IdentityID + ":" + key,
		Credits:      -r.Credits,
		Source:       SourceUsage,
		Metadata:     meta,
	}, nil
}

// Summary aggregates an identity's entries.
type Summary struct {
	Balance int64 `json:"balance"`
	Earned  int64 `json:"earned"`
	Used    int64 `json:"used"`
	Entries int   `json:"entries"`
}

// Add folds one entry into the summary.
func (s *Summary) Add(credits int64) {
	s.Entries++
	if credits >= 0 {
		s.Earned += credits
	} else {
		s.Used += -credits
	}
	s.Balance = s.Earned - s.Used
}

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrMissingIdentity   = outcome.New(outcome.InvalidClaim, "identity is required")
	ErrMissingExternalID = outcome.New(outcome.InvalidClaim, "external transaction id is required")
	ErrInvalidCredits    = outcome.New(outcome.InvalidClaim, "credits must be non-zero")
	ErrInvalidSource     = outcome.New(outcome.InvalidClaim, "unknown ledger source")
	ErrUnknownIdentity   = outcome.New(outcome.InvalidClaim, "identity does not exist")

	// ErrInsufficientCredits is returned when a debit would take the balance below zero.
	ErrInsufficientCredits = outcome.New(outcome.InsufficientCredits, "insufficient credits")
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ClampLimit applies the default and maximum page size for History.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > maxHistoryLimit {
		return defaultHistoryLimit
	}
	return limit
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
