package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/Crypto-SI/wafflepayment/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// requireSession admits requests carrying a valid session token.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.sessionClaims(r)
		if err != nil {
			unauthorized(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithUser(r.Context(), claims)))
	})
}

// sessionClaims parses the bearer token. A request without an Authorization
// header yields errMissingToken.
func (a *API) sessionClaims(r *http.Request) (*auth.Claims, error) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		return nil, err
	}
	if a.deps.Sessions == nil {
		return nil, auth.ErrInvalidToken
	}
	return a.deps.Sessions.Parse(token)
}

// requireCheckoutToken admits the hosted-checkout collaborator.
func (a *API) requireCheckoutToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.CheckoutToken == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.opts.CheckoutToken)) != 1 {
			unauthorized(w, r, auth.ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="wafflepay"`)
	msg := err.Error()
	if errors.Is(err, auth.ErrInvalidToken) {
		msg = "invalid token"
	}
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
