package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Crypto-SI/wafflepayment/internal/audit"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
	"github.com/Crypto-SI/wafflepayment/internal/outcome"
)

const transientRetryAfter = "5"

var statusByCode = map[outcome.Code]int{
	outcome.UnsupportedChainOrToken: http.StatusBadRequest,
	outcome.TransactionFailed:       http.StatusBadRequest,
	outcome.NoMatchingTransferEvent: http.StatusBadRequest,
	outcome.SenderMismatch:          http.StatusBadRequest,
	outcome.RecipientMismatch:       http.StatusBadRequest,
	outcome.InsufficientAmount:      http.StatusBadRequest,
	outcome.InvalidClaim:            http.StatusBadRequest,
	outcome.MalformedMessage:        http.StatusBadRequest,
	outcome.NonceMismatch:           http.StatusBadRequest,
	outcome.InvalidSignature:        http.StatusBadRequest,

	outcome.TransactionNotFound: http.StatusNotFound,
	outcome.NoAccountForWallet:  http.StatusNotFound,
	outcome.UnknownWallet:       http.StatusNotFound,

	outcome.AccountAlreadyExists: http.StatusConflict,
	outcome.NonceAlreadyConsumed: http.StatusConflict,
	outcome.InsufficientCredits:  http.StatusConflict,

	outcome.Unauthenticated: http.StatusUnauthorized,

	outcome.TransientInfrastructureError: http.StatusServiceUnavailable,
}

// StatusFor maps an error to its HTTP status. Errors without a rejection code are 500.
func StatusFor(err error) int {
	if code, ok := statusByCode[outcome.CodeOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error     string       `json:"error"`
	Code      outcome.Code `json:"code,omitempty"`
	Retryable bool         `json:"retryable"`
	RequestID string       `json:"request_id,omitempty"`
}

// writeOutcome renders err with its mapped status. Transient failures carry
// Retry-After; unclassified errors are logged and hidden.
func writeOutcome(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{
		Code:      outcome.CodeOf(err),
		Retryable: outcome.Retryable(err),
		RequestID: audit.RequestIDFromContext(r.Context()),
	}
	switch {
	case status == http.StatusInternalServerError:
		obs.Logger().Error("unhandled error",
			zap.String("request_id", body.RequestID),
			zap.String("route", routePattern(r)),
			zap.Error(err),
		)
		body.Error = "internal error"
	case body.Retryable:
		obs.Logger().Warn("transient failure",
			zap.String("request_id", body.RequestID),
			zap.String("route", routePattern(r)),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", transientRetryAfter)
		body.Error = "temporarily unavailable, try again shortly"
	default:
		body.Error = rejectionMessage(err)
	}
	writeJSON(w, status, body)
}

func rejectionMessage(err error) string {
	var oe *outcome.Error
	if errors.As(err, &oe) {
		if oe.Message != "" {
			return oe.Message
		}
		return string(oe.Code)
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody{
		Error:     msg,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var errEmptyBody = errors.New("request body is required")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads exactly one JSON object into dst and validates its struct tags.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}
