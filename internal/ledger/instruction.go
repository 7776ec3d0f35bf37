package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// InstructionName names a ledger instruction.
type InstructionName string

const (
	InstrInitConfig  InstructionName = "init_config"
	InstrInitDay     InstructionName = "init_day"
	InstrPlaceBid    InstructionName = "place_bid"
	InstrSettleDay   InstructionName = "settle_day"
	InstrRefundBatch InstructionName = "refund_batch"
)

// MaxBatchEntries caps the bidder list of one encoded refund_batch.
const MaxBatchEntries = 256

// Instruction is a decoded instruction with its arguments. Only the fields
// relevant to Name are meaningful.
type Instruction struct {
	Name      InstructionName
	DayIndex  int64
	NewAmount uint64
	Bidders   []domain.Address
	Config    domain.ProtocolConfig
}

var discriminators = func() map[InstructionName][8]byte {
	m := make(map[InstructionName][8]byte)
	for _, n := range []InstructionName{InstrInitConfig, InstrInitDay, InstrPlaceBid, InstrSettleDay, InstrRefundBatch} {
		var d [8]byte
		copy(d[:], ethcrypto.Keccak256([]byte("global:"+string(n)))[:8])
		m[n] = d
	}
	return m
}()

// Discriminator returns the 8-byte prefix identifying name on the wire.
func Discriminator(name InstructionName) ([8]byte, bool) {
	d, ok := discriminators[name]
	return d, ok
}

// MarshalBinary encodes the instruction as discriminator followed by its
// little-endian arguments.
func (in Instruction) MarshalBinary() ([]byte, error) {
	disc, ok := discriminators[in.Name]
	if !ok {
		return nil, fmt.Errorf("ledger: encode %q: %w", in.Name, domain.ErrInvalidInstruction)
	}
	buf := append([]byte(nil), disc[:]...)
	switch in.Name {
	case InstrInitConfig:
		buf = append(buf, in.Config.RecipientAddress.Bytes()...)
		buf = binary.LittleEndian.AppendUint64(buf, in.Config.LoserFee)
		buf = binary.LittleEndian.AppendUint64(buf, in.Config.MinIncrement)
	case InstrInitDay, InstrSettleDay:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.DayIndex))
	case InstrPlaceBid:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.DayIndex))
		buf = binary.LittleEndian.AppendUint64(buf, in.NewAmount)
	case InstrRefundBatch:
		if len(in.Bidders) > MaxBatchEntries {
			return nil, fmt.Errorf("ledger: encode refund_batch: %d entries: %w", len(in.Bidders), domain.ErrInvalidInstruction)
		}
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.DayIndex))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Bidders)))
		for _, b := range in.Bidders {
			buf = append(buf, b.Bytes()...)
		}
	}
	return buf, nil
}

// UnmarshalInstruction decodes data produced by Instruction.MarshalBinary.
// Trailing bytes are rejected.
func UnmarshalInstruction(data []byte) (Instruction, error) {
	invalid := func(format string, args ...any) (Instruction, error) {
		return Instruction{}, fmt.Errorf("ledger: decode instruction: %s: %w",
			fmt.Sprintf(format, args...), domain.ErrInvalidInstruction)
	}
	if len(data) < 8 {
		return invalid("%d bytes", len(data))
	}
	var in Instruction
	for name, disc := range discriminators {
		if bytes.Equal(data[:8], disc[:]) {
			in.Name = name
			break
		}
	}
	if in.Name == "" {
		return invalid("unknown discriminator %x", data[:8])
	}

	r := reader{buf: data[8:]}
	switch in.Name {
	case InstrInitConfig:
		in.Config.RecipientAddress = r.address()
		in.Config.LoserFee = r.u64()
		in.Config.MinIncrement = r.u64()
	case InstrInitDay, InstrSettleDay:
		in.DayIndex = int64(r.u64())
	case InstrPlaceBid:
		in.DayIndex = int64(r.u64())
		in.NewAmount = r.u64()
	case InstrRefundBatch:
		in.DayIndex = int64(r.u64())
		n := r.u32()
		if n > MaxBatchEntries {
			return invalid("refund_batch with %d entries", n)
		}
		if r.err == nil {
			in.Bidders = make([]domain.Address, 0, n)
			for i := uint32(0); i < n && r.err == nil; i++ {
				in.Bidders = append(in.Bidders, r.address())
			}
		}
	}
	if r.err != nil {
		return invalid("%s: truncated", in.Name)
	}
	if len(r.buf) != 0 {
		return invalid("%s: %d trailing bytes", in.Name, len(r.buf))
	}
	return in, nil
}

var errShortBuffer = errors.New("short buffer")

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) address() domain.Address {
	b := r.take(common.AddressLength)
	if b == nil {
		return domain.Address{}
	}
	return common.BytesToAddress(b)
}
