// Package ingest turns polled ledger transactions into settled orders.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/resourcerent/internal/ledger"
	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/tron"
)

type infoReader interface {
	TransactionInfo(ctx context.Context, network, txID string) (*tron.TransactionInfo, error)
}

// Parser validates confirmation and normalizes raw transactions into transfers.
type Parser struct {
	ledger infoReader
	// tokens maps network to the base58 address of the accepted token contract.
	tokens map[string]string
}

func NewParser(ledgerInfo infoReader, tokenContracts map[string]string) (*Parser, error) {
	if ledgerInfo == nil {
		return nil, fmt.Errorf("ledger client required")
	}
	tokens := make(map[string]string, len(tokenContracts))
	for network, contract := range tokenContracts {
		normalized, err := tron.ToBase58(contract)
		if err != nil {
			return nil, fmt.Errorf("token contract for %s: %w", network, err)
		}
		tokens[network] = normalized
	}
	return &Parser{ledger: ledgerInfo, tokens: tokens}, nil
}

// ValidateConfirmation returns the execution info of a usable transaction.
// A nil info with a nil error means "not usable yet": no id, an explicit
// failure, or no block number. Only ledger read errors are returned.
func (p *Parser) ValidateConfirmation(ctx context.Context, network string, raw tron.RawTransaction) (*tron.TransactionInfo, error) {
	if strings.TrimSpace(raw.TxID) == "" {
		return nil, nil
	}
	for _, ret := range raw.Ret {
		if ret.ContractRet != "" && ret.ContractRet != tron.ContractResultSuccess {
			return nil, nil
		}
	}

	info, err := p.ledger.TransactionInfo(ctx, network, raw.TxID)
	if err != nil {
		return nil, fmt.Errorf("reading transaction info for %s: %w", raw.TxID, err)
	}
	if info == nil || info.Failed() {
		return nil, nil
	}
	if info.BlockNumber <= 0 {
		return nil, nil
	}
	return info, nil
}

// ParseTransfer extracts a native or token transfer. Other contract types,
// foreign token contracts and non-positive amounts yield nil.
func (p *Parser) ParseTransfer(network string, raw tron.RawTransaction, info *tron.TransactionInfo) *ledger.Transfer {
	if info == nil || len(raw.RawData.Contract) == 0 {
		return nil
	}
	contract := raw.RawData.Contract[0]
	value := contract.Parameter.Value

	transfer := &ledger.Transfer{
		ID:             raw.TxID,
		Network:        network,
		BlockNumber:    info.BlockNumber,
		BlockTimestamp: raw.BlockTime(),
		Confirmed:      true,
	}
	if info.BlockTimestamp > 0 && raw.BlockTimestamp == 0 {
		transfer.BlockTimestamp = time.UnixMilli(info.BlockTimestamp).UTC()
	}

	from, err := tron.ToBase58(value.OwnerAddress)
	if err != nil {
		return nil
	}
	transfer.From = from

	switch contract.Type {
	case tron.ContractTypeTransfer:
		if value.Amount <= 0 {
			return nil
		}
		to, err := tron.ToBase58(value.ToAddress)
		if err != nil {
			return nil
		}
		transfer.To = to
		transfer.Amount = tron.SunToTRX(value.Amount)
		transfer.Currency = enums.CurrencyTRX

	case tron.ContractTypeTriggerSmart:
		expected, ok := p.tokens[network]
		if !ok {
			return nil
		}
		contractAddr, err := tron.ToBase58(value.ContractAddress)
		if err != nil || contractAddr != expected {
			return nil
		}
		call, ok, err := tron.DecodeTRC20Transfer(value.Data)
		if err != nil || !ok || call.Amount == nil || call.Amount.IsZero() {
			return nil
		}
		transfer.To = call.To
		transfer.Amount = decimal.NewFromBigInt(call.Amount.ToBig(), -tron.TokenDecimals)
		transfer.Currency = enums.CurrencyUSDT

	default:
		return nil
	}

	if !transfer.Amount.IsPositive() {
		return nil
	}
	return transfer
}
