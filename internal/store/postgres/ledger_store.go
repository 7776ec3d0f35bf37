package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

// LedgerStore implements ledger.Backend. Each instruction runs in a
// SERIALIZABLE transaction and locks the rows it reads with FOR UPDATE, so
// concurrent bids on the same day serialize on the auction_days row.
type LedgerStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewLedgerStore creates a LedgerStore. When now is nil the ledger time is the
// database's transaction timestamp.
func NewLedgerStore(pool *pgxpool.Pool, now func() time.Time) *LedgerStore {
	return &LedgerStore{pool: pool, now: now}
}

// Atomic implements ledger.Backend.
func (s *LedgerStore) Atomic(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, false, fn)
}

// View implements ledger.Backend.
func (s *LedgerStore) View(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *LedgerStore) inTx(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now, err := s.ledgerTime(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, now: now, readOnly: readOnly}); err != nil {
		return mapError(err)
	}
	if readOnly {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapError(err))
	}
	return nil
}

func (s *LedgerStore) ledgerTime(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	if s.now != nil {
		return s.now(), nil
	}
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("postgres: ledger time: %w", err)
	}
	return now.UTC(), nil
}

// Receipts implements ledger.Backend.
func (s *LedgerStore) Receipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT bidder, amount, refunded FROM bid_receipts WHERE day_index = $1 ORDER BY bidder`, dayIndex)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.BidReceipt
	for rows.Next() {
		var bidder string
		var amount int64
		var refunded bool
		if err := rows.Scan(&bidder, &amount, &refunded); err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, domain.BidReceipt{
			DayIndex: dayIndex,
			Bidder:   common.HexToAddress(bidder),
			Amount:   uint64(amount),
			Refunded: refunded,
		})
	}
	return out, rows.Err()
}

// Fund implements ledger.Funder.
func (s *LedgerStore) Fund(ctx context.Context, addr domain.Address, amount uint64) error {
	return s.Atomic(ctx, func(t ledger.Tx) error {
		tx := t.(*pgTx)
		cur, err := tx.Balance(addr)
		if err != nil {
			return err
		}
		if cur+amount < cur {
			return domain.ErrMathOverflow
		}
		return tx.setBalance(addr, cur+amount)
	})
}

// Close implements ledger.Backend. The pool is owned by the Client.
func (s *LedgerStore) Close() error { return nil }

var errReadOnly = errors.New("postgres: write in read-only transaction")

type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	now      time.Time
	readOnly bool
}

func key(a domain.Address) string { return hexutil.Encode(a.Bytes()) }

// lock returns the FOR UPDATE suffix for read-write transactions.
func (t *pgTx) lock() string {
	if t.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

func (t *pgTx) Now() time.Time { return t.now }

func (t *pgTx) Config(addr domain.Address) (domain.ProtocolConfig, bool, error) {
	var recipient string
	var minInc, fee int64
	err := t.tx.QueryRow(t.ctx,
		`SELECT recipient, min_increment, loser_fee FROM ledger_config WHERE address = $1`, key(addr),
	).Scan(&recipient, &minInc, &fee)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProtocolConfig{}, false, nil
	}
	if err != nil {
		return domain.ProtocolConfig{}, false, fmt.Errorf("postgres: get config: %w", err)
	}
	return domain.ProtocolConfig{
		RecipientAddress: common.HexToAddress(recipient),
		MinIncrement:     uint64(minInc),
		LoserFee:         uint64(fee),
	}, true, nil
}

func (t *pgTx) PutConfig(addr domain.Address, cfg domain.ProtocolConfig) error {
	if t.readOnly {
		return errReadOnly
	}
	const query = `INSERT INTO ledger_config (address, recipient, min_increment, loser_fee) VALUES ($1, $2, $3, $4)`
	if _, err := t.tx.Exec(t.ctx, query,
		key(addr), key(cfg.RecipientAddress), int64(cfg.MinIncrement), int64(cfg.LoserFee),
	); err != nil {
		return fmt.Errorf("postgres: put config: %w", err)
	}
	return nil
}

func (t *pgTx) Day(addr domain.Address) (domain.AuctionDay, bool, error) {
	var (
		d                                    domain.AuctionDay
		winner                               string
		highest, total, refundPool, feePool  int64
		bidderCount, refundTotal, refundDone int64
	)
	err := t.tx.QueryRow(t.ctx, `
		SELECT day_index, finalized, winner, highest_bid, bidder_count,
		       refund_count_total, refund_count_completed, total_bid_amount,
		       refund_pool_remaining, fee_pool_remaining
		FROM auction_days WHERE address = $1`+t.lock(), key(addr),
	).Scan(&d.DayIndex, &d.Finalized, &winner, &highest, &bidderCount,
		&refundTotal, &refundDone, &total, &refundPool, &feePool)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AuctionDay{}, false, nil
	}
	if err != nil {
		return domain.AuctionDay{}, false, fmt.Errorf("postgres: get day: %w", err)
	}
	d.Winner = common.HexToAddress(winner)
	d.HighestBid = uint64(highest)
	d.BidderCount = uint32(bidderCount)
	d.RefundCountTotal = uint32(refundTotal)
	d.RefundCountCompleted = uint32(refundDone)
	d.TotalBidAmount = uint64(total)
	d.RefundPoolRemaining = uint64(refundPool)
	d.FeePoolRemaining = uint64(feePool)
	return d, true, nil
}

func (t *pgTx) PutDay(addr domain.Address, d domain.AuctionDay) error {
	if t.readOnly {
		return errReadOnly
	}
	const query = `
		INSERT INTO auction_days (address, day_index, finalized, winner, highest_bid, bidder_count,
			refund_count_total, refund_count_completed, total_bid_amount,
			refund_pool_remaining, fee_pool_remaining)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (address) DO UPDATE SET
			finalized = EXCLUDED.finalized,
			winner = EXCLUDED.winner,
			highest_bid = EXCLUDED.highest_bid,
			bidder_count = EXCLUDED.bidder_count,
			refund_count_total = EXCLUDED.refund_count_total,
			refund_count_completed = EXCLUDED.refund_count_completed,
			total_bid_amount = EXCLUDED.total_bid_amount,
			refund_pool_remaining = EXCLUDED.refund_pool_remaining,
			fee_pool_remaining = EXCLUDED.fee_pool_remaining,
			updated_at = NOW()`
	if _, err := t.tx.Exec(t.ctx, query,
		key(addr), d.DayIndex, d.Finalized, key(d.Winner), int64(d.HighestBid), int64(d.BidderCount),
		int64(d.RefundCountTotal), int64(d.RefundCountCompleted), int64(d.TotalBidAmount),
		int64(d.RefundPoolRemaining), int64(d.FeePoolRemaining),
	); err != nil {
		return fmt.Errorf("postgres: put day: %w", err)
	}
	return nil
}

func (t *pgTx) Receipt(addr domain.Address) (domain.BidReceipt, bool, error) {
	var r domain.BidReceipt
	var bidder string
	var amount int64
	err := t.tx.QueryRow(t.ctx,
		`SELECT day_index, bidder, amount, refunded FROM bid_receipts WHERE address = $1`+t.lock(), key(addr),
	).Scan(&r.DayIndex, &bidder, &amount, &r.Refunded)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BidReceipt{}, false, nil
	}
	if err != nil {
		return domain.BidReceipt{}, false, fmt.Errorf("postgres: get receipt: %w", err)
	}
	r.Bidder = common.HexToAddress(bidder)
	r.Amount = uint64(amount)
	return r, true, nil
}

func (t *pgTx) PutReceipt(addr domain.Address, r domain.BidReceipt) error {
	if t.readOnly {
		return errReadOnly
	}
	const query = `
		INSERT INTO bid_receipts (address, day_index, bidder, amount, refunded)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			amount = EXCLUDED.amount,
			refunded = EXCLUDED.refunded,
			updated_at = NOW()`
	if _, err := t.tx.Exec(t.ctx, query, key(addr), r.DayIndex, key(r.Bidder), int64(r.Amount), r.Refunded); err != nil {
		return fmt.Errorf("postgres: put receipt: %w", err)
	}
	return nil
}

func (t *pgTx) EnsureAccount(addr domain.Address) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.tx.Exec(t.ctx,
		`INSERT INTO balances (address, amount) VALUES ($1, 0) ON CONFLICT (address) DO NOTHING`, key(addr),
	); err != nil {
		return fmt.Errorf("postgres: ensure account: %w", err)
	}
	return nil
}

func (t *pgTx) Balance(addr domain.Address) (uint64, error) {
	var amount int64
	err := t.tx.QueryRow(t.ctx,
		`SELECT amount FROM balances WHERE address = $1`+t.lock(), key(addr)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get balance: %w", err)
	}
	return uint64(amount), nil
}

func (t *pgTx) setBalance(addr domain.Address, amount uint64) error {
	const query = `
		INSERT INTO balances (address, amount) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`
	if _, err := t.tx.Exec(t.ctx, query, key(addr), int64(amount)); err != nil {
		return fmt.Errorf("postgres: set balance: %w", err)
	}
	return nil
}

func (t *pgTx) Transfer(from, to domain.Address, amount uint64) error {
	if t.readOnly {
		return errReadOnly
	}
	fromBal, err := t.Balance(from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from.Hex(), fromBal, amount, domain.ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	toBal, err := t.Balance(to)
	if err != nil {
		return err
	}
	if toBal+amount < toBal {
		return domain.ErrMathOverflow
	}
	if err := t.setBalance(from, fromBal-amount); err != nil {
		return err
	}
	return t.setBalance(to, toBal+amount)
}

var _ ledger.Backend = (*LedgerStore)(nil)
