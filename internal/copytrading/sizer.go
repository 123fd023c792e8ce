package copytrading

import (
	"fmt"

	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
)

// Причины пропуска сделки
const (
	SkipPricingUnavailable = "pricing-unavailable"
	SkipZeroQuantity       = "zero-quantity"
)

var minNotionalBuffer = decimal.RequireFromString("1.1")

// SizingInput - все, что нужно для расчета объема slave ордера
type SizingInput struct {
	MasterQuantity decimal.Decimal
	Price          decimal.Decimal
	Balance        decimal.Decimal
	RiskPercentage decimal.Decimal // доля, 0.02 = 2%
	Multiplier     decimal.Decimal // 0 = 1
	MinNotional    decimal.Decimal // 0 = без проверки
	Precision      int32
	StepSize       decimal.Decimal // LOT_SIZE шаг, 0 = только Precision
}

// Decision - либо объем, либо причина пропуска
type Decision struct {
	Quantity   decimal.Decimal
	SkipReason string
}

func (d Decision) Skipped() bool {
	return d.SkipReason != ""
}

func (d Decision) String() string {
	if d.Skipped() {
		return "skip(" + d.SkipReason + ")"
	}
	return fmt.Sprintf("quantity(%s)", d.Quantity)
}

func skip(reason string) Decision {
	return Decision{SkipReason: reason}
}

// Size рассчитывает объем slave ордера.
// Потолок риска всегда важнее зеркального объема, а min notional поднимает объем до минимума биржи.
func Size(in SizingInput) Decision {
	if !in.Price.IsPositive() || !in.Balance.IsPositive() {
		return skip(SkipPricingUnavailable)
	}

	multiplier := in.Multiplier
	if !multiplier.IsPositive() {
		multiplier = decimal.NewFromInt(1)
	}

	risk := in.RiskPercentage
	if !risk.IsPositive() {
		risk = models.DefaultRiskPercentage
	}

	masterQty := in.MasterQuantity.Mul(multiplier)
	masterValue := masterQty.Mul(in.Price)
	maxValue := in.Balance.Mul(risk)

	qty := masterQty
	if masterValue.GreaterThan(maxValue) {
		qty = maxValue.Div(in.Price)
	}

	qty = roundDown(qty, in.Precision, in.StepSize)

	if in.MinNotional.IsPositive() && qty.Mul(in.Price).LessThan(in.MinNotional) {
		qty = roundUp(in.MinNotional.Div(in.Price).Mul(minNotionalBuffer), in.Precision, in.StepSize)
	}

	if !qty.IsPositive() {
		return skip(SkipZeroQuantity)
	}

	return Decision{Quantity: qty}
}

// roundDown округляет вниз до точности, а при заданном шаге до кратного шагу
func roundDown(qty decimal.Decimal, precision int32, step decimal.Decimal) decimal.Decimal {
	if step.IsPositive() {
		return qty.Div(step).Floor().Mul(step)
	}
	return qty.RoundDown(precision)
}

func roundUp(qty decimal.Decimal, precision int32, step decimal.Decimal) decimal.Decimal {
	if step.IsPositive() {
		return qty.Div(step).Ceil().Mul(step)
	}
	return qty.RoundUp(precision)
}
