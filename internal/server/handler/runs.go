package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// RunHandler serves coordinator run reports.
type RunHandler struct {
	runs   domain.RunStore
	logger *slog.Logger
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(runs domain.RunStore, logger *slog.Logger) *RunHandler {
	return &RunHandler{runs: runs, logger: logHandler(logger, "runs")}
}

type listRunsResponse struct {
	Runs []domain.RunReport `json:"runs"`
}

// ListRuns returns the most recent reports for a day.
// GET /api/v1/days/{day}/runs?limit=&offset=
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid day index")
		return
	}
	runs, err := h.runs.ListByDay(r.Context(), day, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list runs failed",
			slog.Int64("day_index", day),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []domain.RunReport{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}
