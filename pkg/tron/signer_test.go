package tron

import (
	"context"
	"encoding/hex"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestSessionSignsAndZeroes(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ring, err := NewKeyRing(MapKeySource{"pool-1": hex.EncodeToString(ethcrypto.FromECDSA(key))})
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	session, err := ring.Open("pool-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txID := hex.EncodeToString(ethcrypto.Keccak256([]byte("delegate")))
	sig, err := session.SignTxID(context.Background(), txID)
	if err != nil {
		t.Fatalf("SignTxID: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape len=%d v=%d", len(sig), sig[64])
	}

	recoverable := append([]byte(nil), sig...)
	recoverable[64] -= 27
	hash, _ := hex.DecodeString(txID)
	pub, err := ethcrypto.SigToPub(hash, recoverable)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if ethcrypto.PubkeyToAddress(*pub) != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("signature recovered to a different key")
	}

	addr, err := session.Address()
	if err != nil || !IsValidAddress(addr) {
		t.Fatalf("expected ledger address, got %q %v", addr, err)
	}

	session.Close()
	session.Close()
	if !session.Closed() {
		t.Fatalf("session should be closed")
	}
	if _, err := session.SignTxID(context.Background(), txID); err == nil {
		t.Fatalf("closed session must not sign")
	}
}

func TestOpenUnknownRef(t *testing.T) {
	ring, _ := NewKeyRing(MapKeySource{})
	if _, err := ring.Open("missing"); err == nil {
		t.Fatalf("expected error for unknown key ref")
	}
	ring, _ = NewKeyRing(MapKeySource{"bad": "zz"})
	if _, err := ring.Open("bad"); err == nil {
		t.Fatalf("expected error for non-hex material")
	}
}
