package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Crypto-SI/wafflepayment/internal/auth"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
)

// Events emitted by the service.
const (
	EventWalletSignup   = "auth.wallet_signup"
	EventWalletSignin   = "auth.wallet_signin"
	EventPaymentGranted = "payment.granted"
	EventPaymentReplay  = "payment.already_processed"
	EventCheckoutGrant  = "checkout.granted"
	EventCreditSpend    = "credits.spent"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// userID overrides the session identity for flows that authenticate the
// caller in the same request (sign-up, sign-in).
func LogEvent(ctx context.Context, event, userID string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID == "" {
		userID, _ = auth.UserIDFromContext(ctx)
	}
	if userID != "" {
		zf = append(zf, zap.String("user_id", userID))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))

	obs.Logger().Info("audit", zf...)
	return nil
}
