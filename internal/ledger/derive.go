// Package ledger implements the auction escrow state machine: deterministic
// account addressing, the instruction program (init_config, init_day,
// place_bid, settle_day, refund_batch), the binary instruction codec, and the
// Engine that runs each instruction atomically against a storage Backend.
package ledger

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// Account seeds.
const (
	SeedConfig     = "config"
	SeedAuctionDay = "auction_day"
	SeedVault      = "vault"
	SeedBidReceipt = "bid_receipt"
)

// Deriver maps (seed, keys...) to a deterministic account address scoped to a
// program id. Callers never need a lookup table, only the same inputs that
// were used at creation time.
type Deriver struct {
	programID domain.Address
}

// NewDeriver returns a Deriver scoped to programID.
func NewDeriver(programID domain.Address) Deriver {
	return Deriver{programID: programID}
}

// ProgramID returns the program id the deriver is scoped to.
func (d Deriver) ProgramID() domain.Address {
	return d.programID
}

// Derive hashes the program id followed by each part, every part prefixed by
// its big-endian uint32 length, and keeps the low 20 bytes of the keccak256
// digest. The length prefix keeps ("ab","c") and ("a","bc") apart.
func (d Deriver) Derive(seed string, keys ...[]byte) domain.Address {
	size := common.AddressLength + 4 + len(seed)
	for _, k := range keys {
		size += 4 + len(k)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, d.programID.Bytes()...)
	buf = appendPart(buf, []byte(seed))
	for _, k := range keys {
		buf = appendPart(buf, k)
	}
	digest := ethcrypto.Keccak256(buf)
	return common.BytesToAddress(digest[12:])
}

func appendPart(buf, part []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(part)))
	return append(buf, part...)
}

// Config returns the address of the protocol config singleton.
func (d Deriver) Config() domain.Address {
	return d.Derive(SeedConfig)
}

// AuctionDay returns the address of the AuctionDay record for dayIndex.
func (d Deriver) AuctionDay(dayIndex int64) domain.Address {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], uint64(dayIndex))
	return d.Derive(SeedAuctionDay, le[:])
}

// Escrow returns the address of the escrow account holding dayIndex's funds.
func (d Deriver) Escrow(dayIndex int64) domain.Address {
	return d.Derive(SeedVault, d.AuctionDay(dayIndex).Bytes())
}

// BidReceipt returns the address of bidder's receipt for dayIndex.
func (d Deriver) BidReceipt(dayIndex int64, bidder domain.Address) domain.Address {
	return d.Derive(SeedBidReceipt, d.AuctionDay(dayIndex).Bytes(), bidder.Bytes())
}
