package tron

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// TRC20Transfer is a decoded transfer(address,uint256) call.
type TRC20Transfer struct {
	To     string
	Amount *uint256.Int
}

// DecodeTRC20Transfer decodes the call data of a token transfer. It returns
// ok=false for any other method.
func DecodeTRC20Transfer(data string) (TRC20Transfer, bool, error) {
	data = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(data)), "0x")
	if !strings.HasPrefix(data, trc20TransferSelector) {
		return TRC20Transfer{}, false, nil
	}
	if len(data) < trc20TransferPayloadLength {
		return TRC20Transfer{}, false, fmt.Errorf("transfer call data too short: %d chars", len(data))
	}
	args, err := hex.DecodeString(data[8:trc20TransferPayloadLength])
	if err != nil {
		return TRC20Transfer{}, false, fmt.Errorf("decode transfer call data: %w", err)
	}
	// first word is the recipient, left-padded to 32 bytes
	to, err := ToBase58(hex.EncodeToString(args[12:32]))
	if err != nil {
		return TRC20Transfer{}, false, err
	}
	amount := new(uint256.Int).SetBytes(args[32:64])
	return TRC20Transfer{To: to, Amount: amount}, true, nil
}

// EncodeTRC20Transfer builds call data for transfer(to, amount). Used by tests
// and tooling that fabricate ledger fixtures.
func EncodeTRC20Transfer(to string, amount *uint256.Int) (string, error) {
	hexAddr, err := ToHex(to)
	if err != nil {
		return "", err
	}
	word := amount.Bytes32()
	return trc20TransferSelector +
		strings.Repeat("0", 24) + hexAddr[2:] +
		hex.EncodeToString(word[:]), nil
}
