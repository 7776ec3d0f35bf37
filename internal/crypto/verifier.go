package crypto

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// DefaultMaxTTL bounds how far in the future a request expiry may be.
const DefaultMaxTTL = 5 * time.Minute

// ParseRequestAuth reads the authentication headers of r.
func ParseRequestAuth(h http.Header) (RequestAuth, error) {
	addr := h.Get(HeaderAddress)
	nonce := h.Get(HeaderNonce)
	exp := h.Get(HeaderExpiry)
	sig := h.Get(HeaderSignature)
	if addr == "" || nonce == "" || exp == "" || sig == "" {
		return RequestAuth{}, fmt.Errorf("crypto: missing auth headers: %w", domain.ErrUnauthorized)
	}
	if !common.IsHexAddress(addr) {
		return RequestAuth{}, fmt.Errorf("crypto: bad address %q: %w", addr, domain.ErrUnauthorized)
	}
	secs, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return RequestAuth{}, fmt.Errorf("crypto: bad expiry %q: %w", exp, domain.ErrUnauthorized)
	}
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return RequestAuth{}, fmt.Errorf("crypto: bad signature encoding: %w", domain.ErrUnauthorized)
	}
	return RequestAuth{
		Address:   common.HexToAddress(addr),
		Nonce:     nonce,
		Expiry:    time.Unix(secs, 0),
		Signature: raw,
	}, nil
}

// Verifier checks signed requests and burns their nonces.
type Verifier struct {
	nonces domain.NonceStore
	maxTTL time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. A non-positive maxTTL uses DefaultMaxTTL.
func NewVerifier(nonces domain.NonceStore, maxTTL time.Duration) *Verifier {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Verifier{nonces: nonces, maxTTL: maxTTL, now: time.Now}
}

// WithClock replaces the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks expiry, signature and nonce of a request for path and body
// and returns the authenticated address. All failures wrap
// domain.ErrUnauthorized; a replay also wraps domain.ErrNonceReused.
func (v *Verifier) Verify(ctx context.Context, a RequestAuth, path string, body []byte) (common.Address, error) {
	now := v.now()
	if !a.Expiry.After(now) {
		return common.Address{}, fmt.Errorf("crypto: request expired: %w", domain.ErrUnauthorized)
	}
	if a.Expiry.Sub(now) > v.maxTTL {
		return common.Address{}, fmt.Errorf("crypto: expiry beyond %s: %w", v.maxTTL, domain.ErrUnauthorized)
	}

	signer, err := RecoverSigner(SigningMessage(a.Address, a.Nonce, a.Expiry, path, body), a.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if signer != a.Address {
		return common.Address{}, fmt.Errorf("crypto: signer %s does not match %s: %w",
			signer.Hex(), a.Address.Hex(), domain.ErrUnauthorized)
	}

	if err := v.nonces.Use(ctx, a.Address.Hex()+":"+a.Nonce, a.Expiry); err != nil {
		if errors.Is(err, domain.ErrNonceReused) {
			return common.Address{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
		}
		return common.Address{}, fmt.Errorf("crypto: record nonce: %w", err)
	}
	return a.Address, nil
}

type addressKey struct{}

// ContextWithAddress returns a copy of ctx carrying the authenticated address.
func ContextWithAddress(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, addressKey{}, addr)
}

// AddressFromContext returns the address stored by ContextWithAddress.
func AddressFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(addressKey{}).(common.Address)
	return addr, ok
}
