package ledger

import (
	"context"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// Tx is one atomic unit of work against ledger state. Either every write made
// through a Tx commits or none does. Records and balances are keyed by their
// derived addresses.
type Tx interface {
	// Now returns the ledger-reported time for this transaction.
	Now() time.Time

	Config(addr domain.Address) (domain.ProtocolConfig, bool, error)
	PutConfig(addr domain.Address, cfg domain.ProtocolConfig) error

	Day(addr domain.Address) (domain.AuctionDay, bool, error)
	PutDay(addr domain.Address, day domain.AuctionDay) error

	Receipt(addr domain.Address) (domain.BidReceipt, bool, error)
	PutReceipt(addr domain.Address, r domain.BidReceipt) error

	// EnsureAccount creates a zero-balance account if addr has none.
	EnsureAccount(addr domain.Address) error
	Balance(addr domain.Address) (uint64, error)
	// Transfer moves amount native units. It returns
	// domain.ErrInsufficientFunds when from cannot cover amount.
	Transfer(from, to domain.Address, amount uint64) error
}

// Backend stores ledger state and runs transactions against it.
type Backend interface {
	// Atomic runs fn in a read-write transaction. If fn returns an error the
	// transaction is rolled back and the error returned unchanged.
	Atomic(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// Receipts lists every receipt of dayIndex ordered by bidder address.
	Receipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error)
	Close() error
}

// Funder is implemented by backends that can mint native units out of thin
// air. It exists for genesis balances on development ledgers and tests.
type Funder interface {
	Fund(ctx context.Context, addr domain.Address, amount uint64) error
}
