package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/mfallon/opsgate/internal/util"
	"github.com/mfallon/opsgate/storage"
)

const (
	// SigningKeyStorageKey is the session-store key caching the hex-encoded
	// signing key so that one key is reused for the whole browsing session.
	SigningKeyStorageKey = "api_signing_key"

	// AlgorithmName is sent in the X-Request-Algorithm header.
	AlgorithmName = "HMAC-SHA256"

	nonceLength = 16
)

var signingKeyInfo = []byte("opsgate request signing v1")

// Signer computes per-request HMAC signatures using a per-session key.
// The key is derived once via HKDF from random seed material, cached in
// session-scoped storage, and held in a memguard Enclave between uses.
type Signer struct {
	store storage.Store

	mu  sync.Mutex
	key *memguard.Enclave
}

// Signature is the ephemeral value attached to one outgoing request.
type Signature struct {
	Timestamp int64
	Nonce     string
	Signature string
	Algorithm string
}

// NewSigner creates a Signer backed by the given session-scoped store.
// Key material is loaded or generated lazily on first use.
func NewSigner(store storage.Store) *Signer {
	return &Signer{store: store}
}

// Sign computes the request signature over serializedBody:timestamp:nonce.
func (s *Signer) Sign(body []byte) (*Signature, error) {
	keyEnclave, err := s.signingKey()
	if err != nil {
		return nil, err
	}

	nonce, err := util.RandomHex(nonceLength)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	ts := time.Now().UnixMilli()

	keyBuf, err := keyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening signing key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	mac := hmac.New(sha256.New, keyBuf.Bytes())
	mac.Write(body)
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(":"))
	mac.Write([]byte(nonce))

	return &Signature{
		Timestamp: ts,
		Nonce:     nonce,
		Signature: util.HexEncode(mac.Sum(nil)),
		Algorithm: AlgorithmName,
	}, nil
}

// signingKey returns the per-session key enclave, loading it from storage
// or generating and persisting a fresh one.
func (s *Signer) signingKey() (*memguard.Enclave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		return s.key, nil
	}

	cached, err := s.store.Get(SigningKeyStorageKey)
	switch {
	case err == nil:
		raw, err := util.HexDecode(cached)
		if err != nil {
			return nil, fmt.Errorf("decoding cached signing key: %w", err)
		}
		s.key = memguard.NewEnclave(raw)
		return s.key, nil
	case errors.Is(err, storage.ErrNotFound):
		// Fall through to generation.
	default:
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	seed, err := util.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("generating signing key seed: %w", err)
	}
	defer util.WipeBytes(seed)

	raw, err := util.HKDF(seed, nil, signingKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	if err := s.store.Set(SigningKeyStorageKey, util.HexEncode(raw)); err != nil {
		return nil, fmt.Errorf("caching signing key: %w", err)
	}
	s.key = memguard.NewEnclave(raw)
	return s.key, nil
}
