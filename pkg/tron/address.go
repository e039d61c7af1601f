package tron

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// AddressPrefix is the version byte of every mainnet and testnet address.
const AddressPrefix byte = 0x41

const addressPayloadLen = 20

// ToBase58 normalizes a ledger address to its base58check form. Inputs may be
// 41-prefixed hex (21 bytes), bare 20-byte hex, or already base58.
func ToBase58(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}
	if IsValidAddress(addr) {
		return addr, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(addr, "0x"))
	if err != nil {
		return "", fmt.Errorf("address %q is neither base58 nor hex", addr)
	}
	switch {
	case len(raw) == addressPayloadLen+1 && raw[0] == AddressPrefix:
		raw = raw[1:]
	case len(raw) == addressPayloadLen:
	default:
		return "", fmt.Errorf("address %q has unexpected length %d", addr, len(raw))
	}
	return base58.CheckEncode(raw, AddressPrefix), nil
}

// ToHex returns the 41-prefixed hex form of a base58check address.
func ToHex(addr string) (string, error) {
	payload, version, err := base58.CheckDecode(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("decode address %q: %w", addr, err)
	}
	if version != AddressPrefix || len(payload) != addressPayloadLen {
		return "", fmt.Errorf("address %q is not a ledger account address", addr)
	}
	return hex.EncodeToString(append([]byte{AddressPrefix}, payload...)), nil
}

// IsValidAddress reports whether addr is a well-formed base58check account address.
func IsValidAddress(addr string) bool {
	payload, version, err := base58.CheckDecode(addr)
	return err == nil && version == AddressPrefix && len(payload) == addressPayloadLen
}
