package enums

import "fmt"

// Currency is the denomination a transfer or order price is expressed in.
type Currency string

const (
	CurrencyTRX  Currency = "TRX"
	CurrencyUSDT Currency = "USDT"
)

var validCurrencies = []Currency{
	CurrencyTRX,
	CurrencyUSDT,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool {
	for _, candidate := range validCurrencies {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCurrency converts a raw string into a Currency.
func ParseCurrency(value string) (Currency, error) {
	for _, candidate := range validCurrencies {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid currency %q", value)
}
