// Package sqlite provides a single-node ledger backend and run store on top of
// modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_config (
    address       TEXT PRIMARY KEY,
    recipient     TEXT    NOT NULL,
    min_increment INTEGER NOT NULL,
    loser_fee     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auction_days (
    address                TEXT PRIMARY KEY,
    day_index              INTEGER NOT NULL UNIQUE,
    finalized              INTEGER NOT NULL DEFAULT 0,
    winner                 TEXT    NOT NULL,
    highest_bid            INTEGER NOT NULL DEFAULT 0,
    bidder_count           INTEGER NOT NULL DEFAULT 0,
    refund_count_total     INTEGER NOT NULL DEFAULT 0,
    refund_count_completed INTEGER NOT NULL DEFAULT 0,
    total_bid_amount       INTEGER NOT NULL DEFAULT 0,
    refund_pool_remaining  INTEGER NOT NULL DEFAULT 0,
    fee_pool_remaining     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bid_receipts (
    address   TEXT PRIMARY KEY,
    day_index INTEGER NOT NULL,
    bidder    TEXT    NOT NULL,
    amount    INTEGER NOT NULL,
    refunded  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS balances (
    address TEXT PRIMARY KEY,
    amount  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS coordinator_runs (
    run_id     TEXT PRIMARY KEY,
    day_index  INTEGER NOT NULL,
    outcome    TEXT    NOT NULL,
    started_at DATETIME NOT NULL,
    report     TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_day ON bid_receipts(day_index, bidder);
CREATE INDEX IF NOT EXISTS idx_runs_day     ON coordinator_runs(day_index, started_at DESC);
`

// Backend is a ledger.Backend persisted in a SQLite file. Writers are
// serialized by a single connection.
type Backend struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database. now defaults to time.Now.
func Open(path string, now func() time.Time) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Backend{db: db, now: now}, nil
}

// DB exposes the underlying handle for stores sharing the file.
func (b *Backend) DB() *sql.DB { return b.db }

// Close implements ledger.Backend.
func (b *Backend) Close() error { return b.db.Close() }

// Atomic implements ledger.Backend.
func (b *Backend) Atomic(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx, now: b.now()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// View implements ledger.Backend.
func (b *Backend) View(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: tx, now: b.now(), readOnly: true})
}

// Receipts implements ledger.Backend.
func (b *Backend) Receipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT bidder, amount, refunded FROM bid_receipts WHERE day_index = ? ORDER BY bidder`,
		dayIndex)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.BidReceipt
	for rows.Next() {
		var bidder string
		var amount int64
		var refunded bool
		if err := rows.Scan(&bidder, &amount, &refunded); err != nil {
			return nil, fmt.Errorf("sqlite: scan receipt: %w", err)
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
func (b *Backend) Fund(ctx context.Context, addr domain.Address, amount uint64) error {
	return b.Atomic(ctx, func(t ledger.Tx) error {
		tx := t.(*sqlTx)
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

var errReadOnly = errors.New("sqlite: write in read-only transaction")

// Amounts are uint64 and stored bit-for-bit in SQLite's signed INTEGER.
type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	now      time.Time
	readOnly bool
}

func key(a domain.Address) string { return hexutil.Encode(a.Bytes()) }

func (t *sqlTx) Now() time.Time { return t.now }

func (t *sqlTx) Config(addr domain.Address) (domain.ProtocolConfig, bool, error) {
	var recipient string
	var minInc, fee int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT recipient, min_increment, loser_fee FROM ledger_config WHERE address = ?`, key(addr),
	).Scan(&recipient, &minInc, &fee)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProtocolConfig{}, false, nil
	}
	if err != nil {
		return domain.ProtocolConfig{}, false, fmt.Errorf("sqlite: get config: %w", err)
	}
	return domain.ProtocolConfig{
		RecipientAddress: common.HexToAddress(recipient),
		MinIncrement:     uint64(minInc),
		LoserFee:         uint64(fee),
	}, true, nil
}

func (t *sqlTx) PutConfig(addr domain.Address, cfg domain.ProtocolConfig) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO ledger_config (address, recipient, min_increment, loser_fee) VALUES (?, ?, ?, ?)`,
		key(addr), key(cfg.RecipientAddress), int64(cfg.MinIncrement), int64(cfg.LoserFee))
	if err != nil {
		return fmt.Errorf("sqlite: put config: %w", err)
	}
	return nil
}

func (t *sqlTx) Day(addr domain.Address) (domain.AuctionDay, bool, error) {
	var (
		d                                    domain.AuctionDay
		winner                               string
		highest, total, refundPool, feePool  int64
		bidderCount, refundTotal, refundDone int64
	)
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT day_index, finalized, winner, highest_bid, bidder_count,
		       refund_count_total, refund_count_completed, total_bid_amount,
		       refund_pool_remaining, fee_pool_remaining
		FROM auction_days WHERE address = ?`, key(addr),
	).Scan(&d.DayIndex, &d.Finalized, &winner, &highest, &bidderCount,
		&refundTotal, &refundDone, &total, &refundPool, &feePool)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuctionDay{}, false, nil
	}
	if err != nil {
		return domain.AuctionDay{}, false, fmt.Errorf("sqlite: get day: %w", err)
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

func (t *sqlTx) PutDay(addr domain.Address, d domain.AuctionDay) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO auction_days (address, day_index, finalized, winner, highest_bid, bidder_count,
			refund_count_total, refund_count_completed, total_bid_amount,
			refund_pool_remaining, fee_pool_remaining)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			finalized = excluded.finalized,
			winner = excluded.winner,
			highest_bid = excluded.highest_bid,
			bidder_count = excluded.bidder_count,
			refund_count_total = excluded.refund_count_total,
			refund_count_completed = excluded.refund_count_completed,
			total_bid_amount = excluded.total_bid_amount,
			refund_pool_remaining = excluded.refund_pool_remaining,
			fee_pool_remaining = excluded.fee_pool_remaining`,
		key(addr), d.DayIndex, d.Finalized, key(d.Winner), int64(d.HighestBid), int64(d.BidderCount),
		int64(d.RefundCountTotal), int64(d.RefundCountCompleted), int64(d.TotalBidAmount),
		int64(d.RefundPoolRemaining), int64(d.FeePoolRemaining))
	if err != nil {
		return fmt.Errorf("sqlite: put day: %w", err)
	}
	return nil
}

func (t *sqlTx) Receipt(addr domain.Address) (domain.BidReceipt, bool, error) {
	var r domain.BidReceipt
	var bidder string
	var amount int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT day_index, bidder, amount, refunded FROM bid_receipts WHERE address = ?`, key(addr),
	).Scan(&r.DayIndex, &bidder, &amount, &r.Refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BidReceipt{}, false, nil
	}
	if err != nil {
		return domain.BidReceipt{}, false, fmt.Errorf("sqlite: get receipt: %w", err)
	}
	r.Bidder = common.HexToAddress(bidder)
	r.Amount = uint64(amount)
	return r, true, nil
}

func (t *sqlTx) PutReceipt(addr domain.Address, r domain.BidReceipt) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO bid_receipts (address, day_index, bidder, amount, refunded)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			amount = excluded.amount,
			refunded = excluded.refunded`,
		key(addr), r.DayIndex, key(r.Bidder), int64(r.Amount), r.Refunded)
	if err != nil {
		return fmt.Errorf("sqlite: put receipt: %w", err)
	}
	return nil
}

func (t *sqlTx) EnsureAccount(addr domain.Address) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO balances (address, amount) VALUES (?, 0) ON CONFLICT(address) DO NOTHING`, key(addr))
	if err != nil {
		return fmt.Errorf("sqlite: ensure account: %w", err)
	}
	return nil
}

func (t *sqlTx) Balance(addr domain.Address) (uint64, error) {
	var amount int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT amount FROM balances WHERE address = ?`, key(addr)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: get balance: %w", err)
	}
	return uint64(amount), nil
}

func (t *sqlTx) setBalance(addr domain.Address, amount uint64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO balances (address, amount) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET amount = excluded.amount`,
		key(addr), int64(amount))
	if err != nil {
		return fmt.Errorf("sqlite: set balance: %w", err)
	}
	return nil
}

func (t *sqlTx) Transfer(from, to domain.Address, amount uint64) error {
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

var _ ledger.Backend = (*Backend)(nil)
