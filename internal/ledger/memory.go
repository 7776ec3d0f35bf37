package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

var errReadOnly = errors.New("ledger: write in read-only transaction")

// MemoryBackend keeps ledger state in process memory. Transactions are
// serialized by a mutex and write into an overlay that is merged on success.
type MemoryBackend struct {
	mu       sync.RWMutex
	now      func() time.Time
	configs  map[domain.Address]domain.ProtocolConfig
	days     map[domain.Address]domain.AuctionDay
	receipts map[domain.Address]domain.BidReceipt
	balances map[domain.Address]uint64
}

// NewMemoryBackend creates an empty in-memory ledger. now defaults to
// time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{
		now:      now,
		configs:  make(map[domain.Address]domain.ProtocolConfig),
		days:     make(map[domain.Address]domain.AuctionDay),
		receipts: make(map[domain.Address]domain.BidReceipt),
		balances: make(map[domain.Address]uint64),
	}
}

// Atomic implements Backend.
func (m *MemoryBackend) Atomic(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.newTx(false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.configs.commit(m.configs)
	tx.days.commit(m.days)
	tx.receipts.commit(m.receipts)
	tx.balances.commit(m.balances)
	return nil
}

// View implements Backend.
func (m *MemoryBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.newTx(true))
}

// Receipts implements Backend.
func (m *MemoryBackend) Receipts(ctx context.Context, dayIndex int64) ([]domain.BidReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.BidReceipt
	for _, r := range m.receipts {
		if r.DayIndex == dayIndex {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bidder.Bytes(), out[j].Bidder.Bytes()) < 0
	})
	return out, nil
}

// Fund implements Funder.
func (m *MemoryBackend) Fund(ctx context.Context, addr domain.Address, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.balances[addr]
	if cur+amount < cur {
		return fmt.Errorf("ledger: fund %s: %w", addr.Hex(), domain.ErrMathOverflow)
	}
	m.balances[addr] = cur + amount
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) newTx(readOnly bool) *memTx {
	return &memTx{
		now:      m.now(),
		readOnly: readOnly,
		configs:  overlay[domain.ProtocolConfig]{base: m.configs},
		days:     overlay[domain.AuctionDay]{base: m.days},
		receipts: overlay[domain.BidReceipt]{base: m.receipts},
		balances: overlay[uint64]{base: m.balances},
	}
}

// overlay buffers writes on top of a base map.
type overlay[V any] struct {
	base   map[domain.Address]V
	writes map[domain.Address]V
}

func (o *overlay[V]) get(k domain.Address) (V, bool) {
	if v, ok := o.writes[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlay[V]) put(k domain.Address, v V) {
	if o.writes == nil {
		o.writes = make(map[domain.Address]V)
	}
	o.writes[k] = v
}

func (o *overlay[V]) commit(dst map[domain.Address]V) {
	for k, v := range o.writes {
		dst[k] = v
	}
}

type memTx struct {
	now      time.Time
	readOnly bool
	configs  overlay[domain.ProtocolConfig]
	days     overlay[domain.AuctionDay]
	receipts overlay[domain.BidReceipt]
	balances overlay[uint64]
}

func (t *memTx) Now() time.Time { return t.now }

func (t *memTx) Config(addr domain.Address) (domain.ProtocolConfig, bool, error) {
	c, ok := t.configs.get(addr)
	return c, ok, nil
}

func (t *memTx) PutConfig(addr domain.Address, cfg domain.ProtocolConfig) error {
	if t.readOnly {
		return errReadOnly
	}
	t.configs.put(addr, cfg)
	return nil
}

func (t *memTx) Day(addr domain.Address) (domain.AuctionDay, bool, error) {
	d, ok := t.days.get(addr)
	return d, ok, nil
}

func (t *memTx) PutDay(addr domain.Address, day domain.AuctionDay) error {
	if t.readOnly {
		return errReadOnly
	}
	t.days.put(addr, day)
	return nil
}

func (t *memTx) Receipt(addr domain.Address) (domain.BidReceipt, bool, error) {
	r, ok := t.receipts.get(addr)
	return r, ok, nil
}

func (t *memTx) PutReceipt(addr domain.Address, r domain.BidReceipt) error {
	if t.readOnly {
		return errReadOnly
	}
	t.receipts.put(addr, r)
	return nil
}

func (t *memTx) EnsureAccount(addr domain.Address) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.balances.get(addr); !ok {
		t.balances.put(addr, 0)
	}
	return nil
}

func (t *memTx) Balance(addr domain.Address) (uint64, error) {
	b, _ := t.balances.get(addr)
	return b, nil
}

func (t *memTx) Transfer(from, to domain.Address, amount uint64) error {
	if t.readOnly {
		return errReadOnly
	}
	fromBal, _ := t.balances.get(from)
	if fromBal < amount {
		return fmt.Errorf("%s holds %d, needs %d: %w", from.Hex(), fromBal, amount, domain.ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	toBal, _ := t.balances.get(to)
	if toBal+amount < toBal {
		return domain.ErrMathOverflow
	}
	t.balances.put(from, fromBal-amount)
	t.balances.put(to, toBal+amount)
	return nil
}
