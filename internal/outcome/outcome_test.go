package outcome

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(SenderMismatch, "transaction sender does not match user address")
	wrapped := fmt.Errorf("verify: %w", err)

	if !errors.Is(wrapped, ErrSenderMismatch) {
		t.Fatal("expected wrapped error to match sentinel by code")
	}
	if errors.Is(wrapped, ErrRecipientMismatch) {
		t.Fatal("matched a different code")
	}
	if CodeOf(wrapped) != SenderMismatch {
		t.Fatalf("unexpected code %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no code")
	}
}

func TestRetryableOnlyForTransient(t *testing.T) {
	if !Retryable(Transient(context.DeadlineExceeded, "rpc timeout")) {
		t.Fatal("transient errors must be retryable")
	}
	for _, err := range []error{
		ErrInsufficientAmount,
		ErrNonceAlreadyConsumed,
		errors.New("boom"),
	} {
		if Retryable(err) {
			t.Fatalf("%v must not be retryable", err)
		}
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	err := Transient(context.DeadlineExceeded, "fetch receipt")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("cause lost")
	}
	if err.Error() != "fetch receipt: context deadline exceeded" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if ErrNonceMismatch.Error() != "nonce_mismatch" {
		t.Fatalf("sentinel message should fall back to code, got %q", ErrNonceMismatch.Error())
	}
}
