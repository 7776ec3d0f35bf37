package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/notify"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_Notify_Filters(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{s}, []string{notify.EventRunFailed}, discard())

	require.NoError(t, n.Notify(context.Background(), notify.EventRunComplete, "ok", ""))
	require.NoError(t, n.Notify(context.Background(), notify.EventRunFailed, "bad", ""))
	assert.Equal(t, []string{"bad"}, s.titles)
}

func TestNotifier_Notify_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	good := &recordingSender{name: "good"}
	bad := &recordingSender{name: "bad", err: boom}
	n := notify.NewNotifier([]notify.Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), notify.EventRunFailed, "t", "m")
	require.ErrorIs(t, err, boom)
	assert.Len(t, good.titles, 1)
}

func TestNotifier_Disabled(t *testing.T) {
	var n *notify.Notifier
	assert.False(t, n.Enabled())
	require.NoError(t, n.Notify(context.Background(), notify.EventRunFailed, "t", "m"))
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := notify.NewTelegramSender("tok", "42").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSender_Send_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := notify.NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestFormatReport(t *testing.T) {
	r := domain.RunReport{
		RunID:           "run-1",
		DayIndex:        7,
		Phase:           domain.PhaseRefunding,
		Outcome:         domain.OutcomePartial,
		StartedAt:       time.Unix(0, 0),
		FinishedAt:      time.Unix(3, 0),
		Winner:          common.HexToAddress("0x0b"),
		HighestBid:      500_000_000,
		PaidToRecipient: 500_000_000,
		LoserCount:      2,
		RefundedCount:   1,
		RefundedAmount:  599_900_000,
		FeesCollected:   100_000,
		PendingLosers:   1,
		RefundPoolLeft:  499_900_000,
		FeePoolLeft:     100_000,
		Failures:        []domain.RefundFailure{{Bidder: common.HexToAddress("0x0a"), Error: "insufficient pool"}},
	}
	title, msg := notify.FormatReport(r, domain.DefaultDecimals)
	assert.Equal(t, "day 7 settlement: partial", title)
	assert.Contains(t, msg, "bid 0.5")
	assert.Contains(t, msg, "refunded 1/2 losers (0.5999), fees 0.0001, pending 1")
	assert.Contains(t, msg, "pools left: refund 0.4999, fee 0.0001")
	assert.Contains(t, msg, "insufficient pool")
	assert.Equal(t, notify.EventRefundFailures, notify.EventFor(r))
}
