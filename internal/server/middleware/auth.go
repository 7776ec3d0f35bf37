package middleware

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
)

// DefaultMaxBody caps signed request bodies. A refund batch of
// ledger.MaxBatchEntries addresses is about 5 KiB.
const DefaultMaxBody = 64 << 10

// Signature returns middleware that authenticates a wallet-signed request.
// The body is buffered so its hash can be checked and then handed on intact;
// the recovered address is stored with crypto.ContextWithAddress.
func Signature(v *crypto.Verifier, maxBody int64, logger *slog.Logger) func(http.Handler) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				var tooBig *http.MaxBytesError
				if errors.As(err, &tooBig) {
					writeError(w, http.StatusRequestEntityTooLarge,
						fmt.Errorf("body exceeds %d bytes: %w", maxBody, domain.ErrInvalidInstruction))
					return
				}
				writeError(w, http.StatusBadRequest, errors.New("failed to read body"))
				return
			}

			auth, err := crypto.ParseRequestAuth(r.Header)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			addr, err := v.Verify(r.Context(), auth, r.URL.Path, body)
			if err != nil {
				if !errors.Is(err, domain.ErrUnauthorized) {
					logger.ErrorContext(r.Context(), "signature verification failed", slog.String("error", err.Error()))
					writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
					return
				}
				logger.InfoContext(r.Context(), "rejected signed request",
					slog.String("address", auth.Address.Hex()),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(crypto.ContextWithAddress(r.Context(), addr)))
		})
	}
}

// APIKey returns middleware that guards operator endpoints with a static key
// sent as a Bearer token or in the X-API-Key header. An empty apiKey disables
// the check.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := extractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("missing api key: %w", domain.ErrUnauthorized))
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid api key: %w", domain.ErrUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
