// Package ledgerclient drives a remote ledger node over its HTTP API. Reads
// are plain GETs; instructions are binary-encoded and signed with the
// caller's key.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/dayauction/internal/crypto"
	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

// API paths served by internal/server.
const (
	PathTime         = "/api/v1/time"
	PathConfig       = "/api/v1/config"
	PathStatus       = "/api/v1/status"
	PathInstructions = "/api/v1/instructions"
)

// DayPath returns the path of a day's record.
func DayPath(dayIndex int64) string { return "/api/v1/days/" + strconv.FormatInt(dayIndex, 10) }

// ReceiptsPath returns the path of a day's receipts.
func ReceiptsPath(dayIndex int64) string { return DayPath(dayIndex) + "/receipts" }

// BalancePath returns the path of an account balance.
func BalancePath(addr domain.Address) string { return "/api/v1/balances/" + addr.Hex() }

// TimeResponse is the body of GET /api/v1/time.
type TimeResponse struct {
	LedgerTime time.Time `json:"ledger_time"`
}

// BalanceResponse is the body of GET /api/v1/balances/{address}.
type BalanceResponse struct {
	Address domain.Address `json:"address"`
	Balance uint64         `json:"balance"`
}

// Config configures the remote client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond paces every request; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	// SignatureTTL is how long a signed instruction stays valid.
	SignatureTTL time.Duration
}

// Client implements domain.AuctionLedger against a remote node.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	signer  *crypto.Signer
	ttl     time.Duration
}

// New creates a Client that signs instructions with signer.
func New(cfg Config, signer *crypto.Signer) (*Client, error) {
	if signer == nil {
		return nil, errors.New("ledgerclient: signer is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ledgerclient: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := cfg.SignatureTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		signer:  signer,
		ttl:     ttl,
	}, nil
}

// Caller returns the signing address.
func (c *Client) Caller() domain.Address { return c.signer.Address() }

// Now returns the node's ledger time.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	var out TimeResponse
	if err := c.get(ctx, PathTime, &out); err != nil {
		return time.Time{}, fmt.Errorf("ledgerclient: now: %w", err)
	}
	return out.LedgerTime, nil
}

// Config returns the protocol config.
func (c *Client) Config(ctx context.Context) (domain.ProtocolConfig, error) {
	var out domain.ProtocolConfig
	if err := c.get(ctx, PathConfig, &out); err != nil {
		return domain.ProtocolConfig{}, fmt.Errorf("ledgerclient: config: %w", err)
	}
	return out, nil
}

// Status returns the current period's read model.
func (c *Client) Status(ctx context.Context) (domain.AuctionStatus, error) {
	var out domain.AuctionStatus
	if err := c.get(ctx, PathStatus, &out); err != nil {
		return domain.AuctionStatus{}, fmt.Errorf("ledgerclient: status: %w", err)
	}
	return out, nil
}

// AuctionDay returns a day record or an error wrapping domain.ErrNotFound.
func (c *Client) AuctionDay(ctx context.Context, dayIndex int64) (domain.AuctionDay, error) {
	var out domain.AuctionDay
	if err := c.get(ctx, DayPath(dayIndex), &out); err != nil {
		return domain.AuctionDay{}, fmt.Errorf("ledgerclient: auction day %d: %w", dayIndex, err)
	}
	return out, nil
}

// BidReceipts lists a day's receipts ordered by bidder.
func (c *Client) BidReceipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error) {
	var out []domain.BidReceipt
	if err := c.get(ctx, ReceiptsPath(dayIndex), &out); err != nil {
		return nil, fmt.Errorf("ledgerclient: receipts %d: %w", dayIndex, err)
	}
	return out, nil
}

// Balance returns an account balance.
func (c *Client) Balance(ctx context.Context, addr domain.Address) (uint64, error) {
	var out BalanceResponse
	if err := c.get(ctx, BalancePath(addr), &out); err != nil {
		return 0, fmt.Errorf("ledgerclient: balance %s: %w", addr.Hex(), err)
	}
	return out.Balance, nil
}

// InitDay submits init_day.
func (c *Client) InitDay(ctx context.Context, dayIndex int64) error {
	_, err := c.Submit(ctx, ledger.Instruction{Name: ledger.InstrInitDay, DayIndex: dayIndex})
	return err
}

// SettleDay submits settle_day.
func (c *Client) SettleDay(ctx context.Context, dayIndex int64) (domain.Settlement, error) {
	res, err := c.Submit(ctx, ledger.Instruction{Name: ledger.InstrSettleDay, DayIndex: dayIndex})
	if err != nil {
		return domain.Settlement{}, err
	}
	if res.Settlement == nil {
		return domain.Settlement{}, errors.New("ledgerclient: settle_day: empty settlement in response")
	}
	return *res.Settlement, nil
}

// RefundBatch submits refund_batch.
func (c *Client) RefundBatch(ctx context.Context, dayIndex int64, bidders []domain.Address) (domain.RefundResult, error) {
	res, err := c.Submit(ctx, ledger.Instruction{Name: ledger.InstrRefundBatch, DayIndex: dayIndex, Bidders: bidders})
	if err != nil {
		return domain.RefundResult{}, err
	}
	if res.Refund == nil {
		return domain.RefundResult{}, errors.New("ledgerclient: refund_batch: empty result in response")
	}
	return *res.Refund, nil
}

// PlaceBid submits place_bid for the signing address.
func (c *Client) PlaceBid(ctx context.Context, dayIndex int64, newAmount uint64) (ledger.BidResult, error) {
	res, err := c.Submit(ctx, ledger.Instruction{Name: ledger.InstrPlaceBid, DayIndex: dayIndex, NewAmount: newAmount})
	if err != nil {
		return ledger.BidResult{}, err
	}
	if res.Bid == nil {
		return ledger.BidResult{}, errors.New("ledgerclient: place_bid: empty result in response")
	}
	return *res.Bid, nil
}

// InitConfig submits init_config.
func (c *Client) InitConfig(ctx context.Context, cfg domain.ProtocolConfig) error {
	_, err := c.Submit(ctx, ledger.Instruction{Name: ledger.InstrInitConfig, Config: cfg})
	return err
}

// Submit encodes, signs and posts one instruction.
func (c *Client) Submit(ctx context.Context, in ledger.Instruction) (ledger.ExecResult, error) {
	body, err := in.MarshalBinary()
	if err != nil {
		return ledger.ExecResult{}, fmt.Errorf("ledgerclient: %s: %w", in.Name, err)
	}
	u := c.url(PathInstructions)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return ledger.ExecResult{}, fmt.Errorf("ledgerclient: %s: build request: %w", in.Name, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.signer.SignRequest(req, u.Path, body, c.ttl); err != nil {
		return ledger.ExecResult{}, fmt.Errorf("ledgerclient: %s: %w", in.Name, err)
	}

	var out ledger.ExecResult
	if err := c.do(req, &out); err != nil {
		return ledger.ExecResult{}, fmt.Errorf("ledgerclient: %s day %d: %w", in.Name, in.DayIndex, err)
	}
	return out, nil
}

func (c *Client) url(path string) *url.URL {
	u := *c.base
	u.Path = c.base.Path + path
	return &u
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path).String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// do paces, sends and decodes one request. Non-2xx responses are decoded as
// domain.ErrorResponse so sentinel errors survive the round trip.
func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr domain.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			err := apiErr.Err()
			if s := statusSentinel(resp.StatusCode); apiErr.Code == domain.CodeUnknown && s != nil && !errors.Is(err, s) {
				err = fmt.Errorf("%w: %w", err, s)
			}
			return err
		}
		err := fmt.Errorf("%s %s: unexpected status %d: %s", req.Method, req.URL.Path, resp.StatusCode, truncate(data, 256))
		if s := statusSentinel(resp.StatusCode); s != nil {
			err = fmt.Errorf("%w: %w", err, s)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusSentinel recovers the sentinel of errors that carry no instruction
// code, such as authentication and rate limit rejections.
func statusSentinel(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

var _ domain.AuctionLedger = (*Client)(nil)
