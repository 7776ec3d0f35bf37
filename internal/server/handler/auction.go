package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// AuctionReader defines the ledger reads served by the auction handler.
type AuctionReader interface {
	Now(ctx context.Context) (time.Time, error)
	Config(ctx context.Context) (domain.ProtocolConfig, error)
	Status(ctx context.Context) (domain.AuctionStatus, error)
	AuctionDay(ctx context.Context, dayIndex int64) (domain.AuctionDay, error)
	BidReceipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error)
	Balance(ctx context.Context, addr domain.Address) (uint64, error)
}

// AuctionHandler serves the read path consumed by the frontend.
type AuctionHandler struct {
	ledger   AuctionReader
	decimals int32
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler. decimals controls the display
// amounts added next to native unit amounts.
func NewAuctionHandler(ledger AuctionReader, decimals int32, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		ledger:   ledger,
		decimals: decimals,
		logger:   logHandler(logger, "auction"),
	}
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	domain.AuctionStatus
	HighestBidDisplay string `json:"highest_bid_display"`
	Message           string `json:"message,omitempty"`
}

// NoBidsMessage is shown while the current day has no winner.
const NoBidsMessage = "no bids yet"

// Status returns the current period's auction and the time left in it.
// GET /api/v1/status
func (h *AuctionHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Status(r.Context())
	if err != nil {
		h.fail(w, r, "status", err)
		return
	}
	resp := StatusResponse{
		AuctionStatus:     st,
		HighestBidDisplay: domain.FormatAmount(st.Day.HighestBid, h.decimals),
	}
	if !st.Exists || !st.Day.HasWinner() {
		resp.Message = NoBidsMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

// Time returns the ledger clock.
// GET /api/v1/time
func (h *AuctionHandler) Time(w http.ResponseWriter, r *http.Request) {
	now, err := h.ledger.Now(r.Context())
	if err != nil {
		h.fail(w, r, "time", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ledger_time": now})
}

// Config returns the protocol configuration.
// GET /api/v1/config
func (h *AuctionHandler) Config(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.ledger.Config(r.Context())
	if err != nil {
		h.fail(w, r, "config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetDay returns one day's record.
// GET /api/v1/days/{day}
func (h *AuctionHandler) GetDay(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid day index")
		return
	}
	d, err := h.ledger.AuctionDay(r.Context(), day)
	if err != nil {
		h.fail(w, r, "get day", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListReceipts returns a day's bid receipts ordered by bidder.
// GET /api/v1/days/{day}/receipts
func (h *AuctionHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	day, ok := parseDay(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid day index")
		return
	}
	rs, err := h.ledger.BidReceipts(r.Context(), day)
	if err != nil {
		h.fail(w, r, "list receipts", err)
		return
	}
	if rs == nil {
		rs = []domain.BidReceipt{}
	}
	writeJSON(w, http.StatusOK, rs)
}

// GetBalance returns an account's native balance.
// GET /api/v1/balances/{address}
func (h *AuctionHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	bal, err := h.ledger.Balance(r.Context(), addr)
	if err != nil {
		h.fail(w, r, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr,
		"balance": bal,
		"display": domain.FormatAmount(bal, h.decimals),
	})
}

func (h *AuctionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if StatusFor(err) == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	}
	writeDomainError(w, err)
}
