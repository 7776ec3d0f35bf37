package ledger_test

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/domain"
	"github.com/alanyoungcy/dayauction/internal/ledger"
)

func TestDiscriminator_MatchesGlobalNamespace(t *testing.T) {
	d, ok := ledger.Discriminator(ledger.InstrPlaceBid)
	require.True(t, ok)
	assert.Equal(t, ethcrypto.Keccak256([]byte("global:place_bid"))[:8], d[:])

	_, ok = ledger.Discriminator("withdraw")
	assert.False(t, ok)
}

func TestInstruction_PlaceBidLayout(t *testing.T) {
	raw, err := ledger.Instruction{Name: ledger.InstrPlaceBid, DayIndex: 19_723, NewAmount: 600_000_000}.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 8+8+8)

	assert.Equal(t, uint64(19_723), binary.LittleEndian.Uint64(raw[8:16]))
	assert.Equal(t, uint64(600_000_000), binary.LittleEndian.Uint64(raw[16:24]))
}

func TestInstruction_RefundBatchDecode(t *testing.T) {
	bidders := []domain.Address{
		common.HexToAddress("0x000000000000000000000000000000000000000a"),
		common.HexToAddress("0x000000000000000000000000000000000000000b"),
	}
	raw, err := ledger.Instruction{Name: ledger.InstrRefundBatch, DayIndex: -3, Bidders: bidders}.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, raw, 8+8+4+2*20)

	in, err := ledger.UnmarshalInstruction(raw)
	require.NoError(t, err)
	assert.Equal(t, ledger.InstrRefundBatch, in.Name)
	assert.Equal(t, int64(-3), in.DayIndex)
	assert.Equal(t, bidders, in.Bidders)
}

func TestInstruction_InitConfigDecode(t *testing.T) {
	cfg := domain.ProtocolConfig{
		RecipientAddress: common.HexToAddress("0x000000000000000000000000000000000000beef"),
		MinIncrement:     100_000_000,
		LoserFee:         100_000,
	}
	raw, err := ledger.Instruction{Name: ledger.InstrInitConfig, Config: cfg}.MarshalBinary()
	require.NoError(t, err)

	in, err := ledger.UnmarshalInstruction(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg, in.Config)
}

func TestUnmarshalInstruction_Rejects(t *testing.T) {
	settle, err := ledger.Instruction{Name: ledger.InstrSettleDay, DayIndex: 1}.MarshalBinary()
	require.NoError(t, err)

	oversized := make([]byte, 0, 8+8+4)
	disc, _ := ledger.Discriminator(ledger.InstrRefundBatch)
	oversized = append(oversized, disc[:]...)
	oversized = binary.LittleEndian.AppendUint64(oversized, 1)
	oversized = binary.LittleEndian.AppendUint32(oversized, ledger.MaxBatchEntries+1)

	cases := map[string][]byte{
		"empty":          nil,
		"unknown":        []byte("abcdefgh12345678"),
		"truncated":      settle[:12],
		"trailing bytes": append(append([]byte(nil), settle...), 0x01),
		"too many":       oversized,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ledger.UnmarshalInstruction(raw)
			require.ErrorIs(t, err, domain.ErrInvalidInstruction)
		})
	}
}
