package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/resourcerent/pkg/enums"
)

// Transfer is a confirmed inbound value movement normalized from raw ledger
// data. Identity is (Network, ID).
type Transfer struct {
	ID             string
	Network        string
	From           string
	To             string
	Amount         decimal.Decimal
	Currency       enums.Currency
	BlockNumber    int64
	BlockTimestamp time.Time
	Confirmed      bool
}
