package tron

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

// KeySource resolves a provider account's private key reference to hex key
// material. The engine reads them from prefixed environment variables.
type KeySource interface {
	Lookup(ref string) (string, bool)
}

// MapKeySource serves keys from a fixed map.
type MapKeySource map[string]string

func (m MapKeySource) Lookup(ref string) (string, bool) {
	v, ok := m[ref]
	return v, ok
}

// KeyRing opens short-lived signing sessions. Key material is parsed per
// session and zeroed when the session closes.
type KeyRing struct {
	source KeySource
}

func NewKeyRing(source KeySource) (*KeyRing, error) {
	if source == nil {
		return nil, stdErrors.New("key source required")
	}
	return &KeyRing{source: source}, nil
}

// Open loads the key behind ref. Callers must Close the session on every path.
func (k *KeyRing) Open(ref string) (*Session, error) {
	material, ok := k.source.Lookup(strings.TrimSpace(ref))
	if !ok || strings.TrimSpace(material) == "" {
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("no key material for %q", ref))
	}
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(material), "0x"))
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "decode private key material")
	}
	key, err := ethcrypto.ToECDSA(decoded)
	zero(decoded)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, err, "invalid private key material")
	}
	return &Session{key: key}, nil
}

// Session holds one decoded key until Close.
type Session struct {
	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

// Address returns the base58 address controlled by the session key.
func (s *Session) Address() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return "", stdErrors.New("signing session closed")
	}
	eth := ethcrypto.PubkeyToAddress(s.key.PublicKey)
	return ToBase58(hex.EncodeToString(eth.Bytes()))
}

// SignTxID signs the 32-byte transaction id. The recovery byte is shifted to
// 27/28 as the ledger expects.
func (s *Session) SignTxID(ctx context.Context, txID string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	hash, err := hex.DecodeString(txID)
	if err != nil || len(hash) != 32 {
		return nil, errors.New(errors.CodeInternal, fmt.Sprintf("transaction id %q is not a 32-byte hash", txID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, stdErrors.New("signing session closed")
	}
	sig, err := ethcrypto.Sign(hash, s.key)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "sign transaction")
	}
	sig[64] += 27
	return sig, nil
}

// Close zeroes the key. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return
	}
	words := s.key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	s.key = nil
}

// Closed reports whether the key was released.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
