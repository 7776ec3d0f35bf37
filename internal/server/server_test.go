package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/cache/local"
	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
	"github.com/alanyoungcy/dayauction/internal/ledger/ledgertest"
	"github.com/alanyoungcy/dayauction/internal/ledgerclient"
	"github.com/alanyoungcy/dayauction/internal/metrics"
	"github.com/alanyoungcy/dayauction/internal/server"
	"github.com/alanyoungcy/dayauction/internal/server/handler"
	"github.com/alanyoungcy/dayauction/internal/server/ws"
)

const (
	testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	apiKey  = "operator-secret"
)

type fakeRuns struct{ reports []domain.RunReport }

func (f *fakeRuns) Save(_ context.Context, r domain.RunReport) error {
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeRuns) ListByDay(_ context.Context, day int64, _ domain.ListOpts) ([]domain.RunReport, error) {
	var out []domain.RunReport
	for _, r := range f.reports {
		if r.DayIndex == day {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixture struct {
	h      *ledgertest.Harness
	ts     *httptest.Server
	signer *crypto.Signer
	runs   *fakeRuns
}

func newFixture(t *testing.T, cfg server.Config) *fixture {
	t.Helper()
	h := ledgertest.NewHarness(t, func(_ *testing.T, now func() time.Time) ledger.Backend {
		return ledger.NewMemoryBackend(now)
	})
	signer, err := crypto.NewSigner(testKey)
	require.NoError(t, err)

	logger := ledgertest.DiscardLogger()
	m := metrics.New()
	runs := &fakeRuns{}
	hub := ws.NewHub(h.Engine, logger, ws.Config{Decimals: domain.DefaultDecimals})
	h.Engine.Subscribe(hub.Publish)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	cfg.OperatorAPIKey = apiKey
	srv := server.NewServer(cfg, server.Deps{
		Health:       handler.NewHealthHandler(nil, logger),
		Auction:      handler.NewAuctionHandler(h.Engine, domain.DefaultDecimals, logger),
		Instructions: handler.NewInstructionHandler(h.Engine, domain.ZeroAddress, logger),
		Runs:         handler.NewRunHandler(runs, logger),
		Faucet:       handler.NewFaucetHandler(h.Engine, 2*ledgertest.Unit, logger),
		Verifier:     crypto.NewVerifier(local.NewNonceStore(), time.Minute),
		RateLimiter:  local.NewRateLimiter(),
		Hub:          hub,
		Metrics:      m.Handler(),
		Observer:     m,
	}, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &fixture{h: h, ts: ts, signer: signer, runs: runs}
}

func (f *fixture) get(t *testing.T, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	return f.do(t, req)
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// signedPost builds a POST carrying a valid signature over body.
func (f *fixture) signedPost(t *testing.T, path string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, f.signer.SignRequest(req, path, body, 30*time.Second))
	return req
}

func TestServer_StatusNoBids(t *testing.T) {
	f := newFixture(t, server.Config{})

	resp, body := f.get(t, ledgerclient.PathStatus, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st handler.StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, ledgertest.DayZero, st.DayIndex)
	assert.False(t, st.Exists)
	assert.Equal(t, handler.NoBidsMessage, st.Message)
	assert.Equal(t, "0", st.HighestBidDisplay)
	assert.Equal(t, int64(23*3600), st.SecondsRemaining)
}

func TestServer_StatusWithWinner(t *testing.T) {
	f := newFixture(t, server.Config{})
	f.h.Fund(ledgertest.BidderA, ledgertest.Unit)
	f.h.Bid(ledgertest.BidderA, ledgertest.Unit/2)

	_, body := f.get(t, ledgerclient.PathStatus, nil)
	var st handler.StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Exists)
	assert.Empty(t, st.Message)
	assert.Equal(t, ledgertest.BidderA, st.Day.Winner)
	assert.Equal(t, "0.5", st.HighestBidDisplay)
}

func TestServer_ReadErrors(t *testing.T) {
	f := newFixture(t, server.Config{})

	resp, body := f.get(t, ledgerclient.DayPath(1), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var er domain.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, domain.CodeNotFound, er.Code)

	resp, _ = f.get(t, "/api/v1/days/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/v1/balances/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.get(t, ledgerclient.ReceiptsPath(1), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_Instructions_RequireSignature(t *testing.T) {
	f := newFixture(t, server.Config{})
	body, err := ledger.Instruction{Name: ledger.InstrInitDay, DayIndex: f.h.Day}.MarshalBinary()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+ledgerclient.PathInstructions, bytes.NewReader(body))
	require.NoError(t, err)
	resp, _ := f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Signature over a different body.
	req = f.signedPost(t, ledgerclient.PathInstructions, body)
	req.Body = io.NopCloser(bytes.NewReader(append(body[:len(body):len(body)], 0)))
	req.ContentLength++
	resp, _ = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Instructions_ReplayRejected(t *testing.T) {
	f := newFixture(t, server.Config{})
	body, err := ledger.Instruction{Name: ledger.InstrInitDay, DayIndex: f.h.Day}.MarshalBinary()
	require.NoError(t, err)

	req := f.signedPost(t, ledgerclient.PathInstructions, body)
	replay := req.Clone(context.Background())
	replay.Body = io.NopCloser(bytes.NewReader(body))

	resp, out := f.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))
	var res ledger.ExecResult
	require.NoError(t, json.Unmarshal(out, &res))
	require.NotNil(t, res.Day)
	assert.Equal(t, f.h.Day, res.Day.DayIndex)

	resp, _ = f.do(t, replay)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Instructions_BadEncoding(t *testing.T) {
	f := newFixture(t, server.Config{})
	resp, body := f.do(t, f.signedPost(t, ledgerclient.PathInstructions, []byte{1, 2, 3}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var er domain.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	assert.Equal(t, domain.CodeInvalidInstruction, er.Code)
}

func TestServer_Instructions_LedgerErrorCode(t *testing.T) {
	f := newFixture(t, server.Config{})
	body, err := ledger.Instruction{Name: ledger.InstrSettleDay, DayIndex: f.h.Day}.MarshalBinary()
	require.NoError(t, err)
	f.h.Fund(ledgertest.BidderA, ledgertest.Unit)
	f.h.Bid(ledgertest.BidderA, ledgertest.Unit/2)

	resp, out := f.do(t, f.signedPost(t, ledgerclient.PathInstructions, body))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var er domain.ErrorResponse
	require.NoError(t, json.Unmarshal(out, &er))
	assert.Equal(t, domain.CodeTooEarly, er.Code)
	assert.ErrorIs(t, er.Err(), domain.ErrTooEarly)
}

func TestServer_Faucet(t *testing.T) {
	f := newFixture(t, server.Config{})
	resp, out := f.do(t, f.signedPost(t, "/api/v1/faucet", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))
	assert.Equal(t, 2*ledgertest.Unit, f.h.Balance(f.signer.Address()))
}

func TestServer_OperatorEndpoints(t *testing.T) {
	f := newFixture(t, server.Config{})
	f.runs.reports = []domain.RunReport{{RunID: "r1", DayIndex: 7, Outcome: domain.OutcomeComplete}}

	resp, _ := f.get(t, "/api/v1/days/7/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	auth := http.Header{"Authorization": {"Bearer " + apiKey}}
	resp, body := f.get(t, "/api/v1/days/7/runs", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"run_id":"r1"`)

	f.get(t, ledgerclient.PathStatus, nil)
	resp, body = f.get(t, "/metrics", http.Header{"X-Api-Key": {apiKey}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dayauction_http_request_duration_seconds_count{route="GET /api/v1/status",status="200"}`)
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, server.Config{RateLimit: 2, RateWindow: time.Minute})

	for range 2 {
		resp, _ := f.get(t, "/healthz", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t, server.Config{CORSOrigins: []string{"https://auction.example"}})
	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+ledgerclient.PathInstructions, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://auction.example")

	resp, _ := f.do(t, req)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://auction.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)
}

func TestServer_WebSocketPushesBids(t *testing.T) {
	f := newFixture(t, server.Config{})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first struct {
		Type    string               `json:"type"`
		Payload domain.AuctionStatus `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ws.TypeStatus, first.Type)
	assert.Equal(t, ledgertest.DayZero, first.Payload.DayIndex)

	f.h.Fund(ledgertest.BidderB, ledgertest.Unit)
	f.h.Bid(ledgertest.BidderB, 3*ledgertest.Unit/10)

	var update struct {
		Type    string    `json:"type"`
		Payload ws.Update `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, ws.TypeUpdate, update.Type)
	assert.Equal(t, ledger.InstrPlaceBid, update.Payload.Instruction)
	assert.Equal(t, ledgertest.BidderB, update.Payload.Day.Winner)
	assert.Equal(t, "0.3", update.Payload.HighestBidDisplay)
}
