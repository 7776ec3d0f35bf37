package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Wallet-Address"
	HeaderNonce     = "X-Nonce"
	HeaderExpiry    = "X-Expiry"
	HeaderSignature = "X-Signature"
)

// RequestAuth is the parsed set of authentication headers.
type RequestAuth struct {
	Address   common.Address
	Nonce     string
	Expiry    time.Time
	Signature []byte
}

// SigningMessage is the text a wallet signs for a request:
// {address}:{nonce}:{expiry}:{path}:{sha256_hex(body)}. The address is
// lowercase hex and expiry is unix seconds.
func SigningMessage(addr common.Address, nonce string, expiry time.Time, path string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToLower(addr.Hex()),
		nonce,
		strconv.FormatInt(expiry.Unix(), 10),
		path,
		hex.EncodeToString(sum[:]),
	}, ":")
}

// Signer signs request messages with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner creates a Signer from a hex private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := parseKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address { return s.address }

// SignMessage returns a 65-byte personal-sign signature over msg with v in
// {27,28}.
func (s *Signer) SignMessage(msg string) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignRequest sets the authentication headers on req for the given path and
// body. A fresh nonce is drawn for every call.
func (s *Signer) SignRequest(req *http.Request, path string, body []byte, ttl time.Duration) error {
	nonce := uuid.NewString()
	expiry := time.Now().Add(ttl)
	sig, err := s.SignMessage(SigningMessage(s.address, nonce, expiry, path, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, s.address.Hex())
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderExpiry, strconv.FormatInt(expiry.Unix(), 10))
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

// RecoverSigner returns the address that produced a personal-sign signature
// over msg. v may be either {0,1} or {27,28}.
func RecoverSigner(msg string, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: signature length %d", len(sig))
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(msg)), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
