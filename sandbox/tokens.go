package sandbox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that fail verification, have
// expired, or name another surface.
var ErrInvalidToken = errors.New("sandbox: invalid surface token")

type surfaceClaims struct {
	SurfaceID string `json:"sid"`
	Expiry    int64  `json:"exp"`
}

// tokenKeys signs and verifies surface tokens with a set of Ed25519 keys.
// Only the active key signs; every registered key verifies, so keys can be
// rotated without invalidating surfaces already handed out.
type tokenKeys struct {
	mu        sync.RWMutex
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func newTokenKeys() *tokenKeys {
	return &tokenKeys{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// generate registers a fresh random key and makes it active.
func (k *tokenKeys) generate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid := uuid.NewString()
	k.add(kid, priv)
	return k.setActive(kid)
}

func (k *tokenKeys) add(kid string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

func (k *tokenKeys) setActive(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

func (k *tokenKeys) sign(claims surfaceClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	k.mu.RLock()
	kid := k.activeKid
	priv, ok := k.privKeys[kid]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no active signing key")
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// verify checks the signature, the expiry and that the token was issued
// for surfaceID.
func (k *tokenKeys) verify(token, surfaceID string, now time.Time) error {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(jws.Signatures) != 1 {
		return fmt.Errorf("%w: unexpected signatures: %d", ErrInvalidToken, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID

	k.mu.RLock()
	pub, ok := k.pubKeys[kid]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown kid %q", ErrInvalidToken, kid)
	}

	payload, err := jws.Verify(pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims surfaceClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SurfaceID != surfaceID {
		return fmt.Errorf("%w: issued for another surface", ErrInvalidToken)
	}
	if now.Unix() >= claims.Expiry {
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return nil
}
