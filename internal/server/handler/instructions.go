package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

// InstructionExecutor runs a decoded instruction for an authenticated caller.
type InstructionExecutor interface {
	Execute(ctx context.Context, caller domain.Address, in ledger.Instruction) (ledger.ExecResult, error)
}

// InstructionHandler accepts signed, binary-encoded instructions.
type InstructionHandler struct {
	exec   InstructionExecutor
	admin  domain.Address
	logger *slog.Logger
}

// NewInstructionHandler creates an InstructionHandler. init_config is only
// accepted from admin; a zero admin disables it over HTTP.
func NewInstructionHandler(exec InstructionExecutor, admin domain.Address, logger *slog.Logger) *InstructionHandler {
	return &InstructionHandler{exec: exec, admin: admin, logger: logHandler(logger, "instructions")}
}

// Submit decodes and executes one instruction as the signing address.
// POST /api/v1/instructions
func (h *InstructionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := crypto.AddressFromContext(ctx)
	if !ok {
		writeDomainError(w, domain.ErrUnauthorized)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	in, err := ledger.UnmarshalInstruction(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if in.Name == ledger.InstrInitConfig && (h.admin == domain.ZeroAddress || caller != h.admin) {
		writeDomainError(w, fmt.Errorf("init_config from %s: %w", caller.Hex(), domain.ErrUnauthorized))
		return
	}

	log := h.logger.With(
		slog.String("instruction", string(in.Name)),
		slog.String("caller", caller.Hex()),
		slog.Int64("day_index", in.DayIndex),
	)
	res, err := h.exec.Execute(ctx, caller, in)
	if err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			log.ErrorContext(ctx, "instruction failed", slog.String("error", err.Error()))
		} else {
			log.InfoContext(ctx, "instruction rejected", slog.String("error", err.Error()))
		}
		writeDomainError(w, err)
		return
	}
	log.InfoContext(ctx, "instruction executed")
	writeJSON(w, http.StatusOK, res)
}
