package tron

import (
	"math"

	"github.com/shopspring/decimal"
)

// SunPerTRX is the native currency's smallest-unit scale.
const SunPerTRX int64 = 1_000_000

// TokenDecimals is the scale of the supported stablecoin contract.
const TokenDecimals int32 = 6

// Rounding selects how an energy amount is converted to staked sun.
type Rounding int

const (
	// RoundDown truncates to whole sun so capacity is never over-committed.
	RoundDown Rounding = iota
	// RoundUpTRX rounds up to a whole TRX, which locked delegations require.
	RoundUpTRX
)

// SunToTRX scales sun to TRX.
func SunToTRX(sun int64) decimal.Decimal {
	return decimal.New(sun, -6)
}

// EnergyToSun converts an energy amount into the staked sun that yields it at
// the network-wide ratio totalEnergyLimit/totalEnergyWeight (weight in TRX).
func EnergyToSun(energy, totalEnergyLimit, totalEnergyWeight int64, mode Rounding) int64 {
	if energy <= 0 || totalEnergyLimit <= 0 || totalEnergyWeight <= 0 {
		return 0
	}
	trx := decimal.NewFromInt(energy).
		Mul(decimal.NewFromInt(totalEnergyWeight)).
		Div(decimal.NewFromInt(totalEnergyLimit))
	switch mode {
	case RoundUpTRX:
		return trx.Ceil().IntPart() * SunPerTRX
	default:
		return trx.Mul(decimal.NewFromInt(SunPerTRX)).Truncate(0).IntPart()
	}
}

// SunToEnergy converts staked sun into the energy it yields.
func SunToEnergy(sun, totalEnergyLimit, totalEnergyWeight int64) int64 {
	if sun <= 0 || totalEnergyLimit <= 0 || totalEnergyWeight <= 0 {
		return 0
	}
	energy := decimal.NewFromInt(sun).
		Div(decimal.NewFromInt(SunPerTRX)).
		Mul(decimal.NewFromInt(totalEnergyLimit)).
		Div(decimal.NewFromInt(totalEnergyWeight)).
		Truncate(0)
	if !energy.LessThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return energy.IntPart()
}

// LockPeriodBlocks converts a wall-clock lock duration into 3-second blocks.
func LockPeriodBlocks(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 2) / 3
}
