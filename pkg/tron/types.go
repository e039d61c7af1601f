package tron

import (
	"encoding/json"
	"time"
)

// Contract type names as reported by the ledger.
const (
	ContractTypeTransfer       = "TransferContract"
	ContractTypeTriggerSmart   = "TriggerSmartContract"
	ContractTypeDelegate       = "DelegateResourceContract"
	ContractResultSuccess      = "SUCCESS"
	TransactionResultFailed    = "FAILED"
	ResourceEnergy             = "ENERGY"
	trc20TransferSelector      = "a9059cbb"
	trc20TransferPayloadLength = 8 + 64 + 64
)

// RawTransaction is a transaction as listed by the account history endpoint.
type RawTransaction struct {
	TxID           string        `json:"txID"`
	BlockNumber    int64         `json:"blockNumber"`
	BlockTimestamp int64         `json:"block_timestamp"`
	Ret            []ContractRet `json:"ret"`
	RawData        RawData       `json:"raw_data"`
	RawDataHex     string        `json:"raw_data_hex,omitempty"`
	Signature      []string      `json:"signature,omitempty"`
	Visible        bool          `json:"visible,omitempty"`
}

// BlockTime returns the block timestamp as UTC.
func (t RawTransaction) BlockTime() time.Time {
	return time.UnixMilli(t.BlockTimestamp).UTC()
}

// ContractRet is the per-contract execution outcome.
type ContractRet struct {
	ContractRet string `json:"contractRet"`
	Fee         int64  `json:"fee,omitempty"`
}

type RawData struct {
	Contract   []Contract `json:"contract"`
	RefBlock   string     `json:"ref_block_bytes,omitempty"`
	RefHash    string     `json:"ref_block_hash,omitempty"`
	Expiration int64      `json:"expiration,omitempty"`
	Timestamp  int64      `json:"timestamp,omitempty"`
	FeeLimit   int64      `json:"fee_limit,omitempty"`
}

type Contract struct {
	Type      string    `json:"type"`
	Parameter Parameter `json:"parameter"`
}

type Parameter struct {
	Value   ContractValue `json:"value"`
	TypeURL string        `json:"type_url"`
}

// ContractValue is the union of fields used by the contract types we read.
type ContractValue struct {
	Amount          int64  `json:"amount,omitempty"`
	OwnerAddress    string `json:"owner_address,omitempty"`
	ToAddress       string `json:"to_address,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
	Data            string `json:"data,omitempty"`
	CallValue       int64  `json:"call_value,omitempty"`
	ReceiverAddress string `json:"receiver_address,omitempty"`
	Balance         int64  `json:"balance,omitempty"`
	Resource        string `json:"resource,omitempty"`
	Lock            bool   `json:"lock,omitempty"`
	LockPeriod      int64  `json:"lock_period,omitempty"`
}

// TransactionInfo is the post-execution record for a transaction id.
type TransactionInfo struct {
	ID             string  `json:"id"`
	BlockNumber    int64   `json:"blockNumber"`
	BlockTimestamp int64   `json:"blockTimeStamp"`
	Fee            int64   `json:"fee,omitempty"`
	Result         string  `json:"result,omitempty"`
	ResMessage     string  `json:"resMessage,omitempty"`
	Receipt        Receipt `json:"receipt"`
}

type Receipt struct {
	Result       string `json:"result,omitempty"`
	EnergyUsage  int64  `json:"energy_usage_total,omitempty"`
	NetUsage     int64  `json:"net_usage,omitempty"`
	EnergyFee    int64  `json:"energy_fee,omitempty"`
	OriginEnergy int64  `json:"origin_energy_usage,omitempty"`
}

// Failed reports whether the ledger marked the transaction as failed.
func (i TransactionInfo) Failed() bool {
	if i.Result != "" && i.Result != ContractResultSuccess {
		return true
	}
	return i.Receipt.Result != "" && i.Receipt.Result != ContractResultSuccess
}

// AccountResources is the live resource picture of one account. Sun amounts
// are stake, energy amounts are what that stake yields right now.
type AccountResources struct {
	Address           string
	BalanceSun        int64
	StakedSun         int64
	DelegatedOutSun   int64
	EnergyLimit       int64
	EnergyUsed        int64
	NetLimit          int64
	NetUsed           int64
	FreeNetLimit      int64
	FreeNetUsed       int64
	TotalEnergyLimit  int64
	TotalEnergyWeight int64
}

// DelegatableSun is the stake not yet delegated out.
func (r AccountResources) DelegatableSun() int64 {
	if r.StakedSun <= r.DelegatedOutSun {
		return 0
	}
	return r.StakedSun - r.DelegatedOutSun
}

// DelegatableEnergy is the net capacity available to grant, in energy.
func (r AccountResources) DelegatableEnergy() int64 {
	return SunToEnergy(r.DelegatableSun(), r.TotalEnergyLimit, r.TotalEnergyWeight)
}

// AvailableEnergy is what the account can spend itself right now.
func (r AccountResources) AvailableEnergy() int64 {
	if r.EnergyLimit <= r.EnergyUsed {
		return 0
	}
	return r.EnergyLimit - r.EnergyUsed
}

// AvailableBandwidth is the free plus staked bandwidth left.
func (r AccountResources) AvailableBandwidth() int64 {
	left := (r.NetLimit - r.NetUsed) + (r.FreeNetLimit - r.FreeNetUsed)
	if left < 0 {
		return 0
	}
	return left
}

// DelegateRequest parameterizes a resource delegation.
type DelegateRequest struct {
	Owner      string
	Receiver   string
	BalanceSun int64
	Lock       bool
	LockPeriod int64
}

// UnsignedTransaction is a transaction built by the ledger node. Body is kept
// verbatim so signing never alters the hashed payload.
type UnsignedTransaction struct {
	TxID string
	Body json.RawMessage
}

// BroadcastResult is what the ledger answers for a signed transaction.
type BroadcastResult struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type accountResourceResponse struct {
	FreeNetUsed       int64 `json:"freeNetUsed"`
	FreeNetLimit      int64 `json:"freeNetLimit"`
	NetUsed           int64 `json:"NetUsed"`
	NetLimit          int64 `json:"NetLimit"`
	EnergyUsed        int64 `json:"EnergyUsed"`
	EnergyLimit       int64 `json:"EnergyLimit"`
	TotalEnergyLimit  int64 `json:"TotalEnergyLimit"`
	TotalEnergyWeight int64 `json:"TotalEnergyWeight"`
}

type accountResponse struct {
	Address  string `json:"address"`
	Balance  int64  `json:"balance"`
	FrozenV2 []struct {
		Type   string `json:"type"`
		Amount int64  `json:"amount"`
	} `json:"frozenV2"`
	AccountResource struct {
		DelegatedFrozenV2BalanceForEnergy int64 `json:"delegated_frozenV2_balance_for_energy"`
	} `json:"account_resource"`
}

type transactionListResponse struct {
	Data    []json.RawMessage `json:"data"`
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
}

type trc20TransferEntry struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Address  string `json:"address"`
		Decimals int    `json:"decimals"`
		Symbol   string `json:"symbol"`
	} `json:"token_info"`
}

type builtTransaction struct {
	TxID  string `json:"txID"`
	Error string `json:"Error,omitempty"`
}
