package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
)

// Funder mints native units on development ledgers.
type Funder interface {
	Fund(ctx context.Context, addr domain.Address, amount uint64) error
}

// FaucetHandler credits the signing address with a fixed amount.
type FaucetHandler struct {
	funder Funder
	amount uint64
	logger *slog.Logger
}

// NewFaucetHandler creates a FaucetHandler paying amount per request.
func NewFaucetHandler(funder Funder, amount uint64, logger *slog.Logger) *FaucetHandler {
	return &FaucetHandler{funder: funder, amount: amount, logger: logHandler(logger, "faucet")}
}

// Drip funds the caller.
// POST /api/v1/faucet
func (h *FaucetHandler) Drip(w http.ResponseWriter, r *http.Request) {
	caller, ok := crypto.AddressFromContext(r.Context())
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	if err := h.funder.Fund(r.Context(), caller, h.amount); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: faucet failed",
			slog.String("address", caller.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "faucet drip", slog.String("address", caller.Hex()))
	writeJSON(w, http.StatusOK, map[string]any{"address": caller, "funded": h.amount})
}
