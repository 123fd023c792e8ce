package copytrading

import (
	"time"

	"github.com/shopspring/decimal"
)

// Params - настройки copy trading
type Params struct {
	IdleTimeout        time.Duration // ожидание события до повторного Recv
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
	SubmitDelay        time.Duration // пауза между ордерами slave в одном dispatch
	MinNotional        decimal.Decimal
	QuantityPrecision  int32
	FetchRetries       uint64 // повторы balance/price при сетевых ошибках
	FetchRetryDelay    time.Duration
	ConnectConcurrency int
}

// DefaultParams возвращает значения по умолчанию
func DefaultParams() Params {
	return Params{
		IdleTimeout:        30 * time.Second,
		ReconnectMin:       time.Second,
		ReconnectMax:       30 * time.Second,
		SubmitDelay:        100 * time.Millisecond,
		MinNotional:        decimal.NewFromInt(20),
		QuantityPrecision:  3,
		FetchRetries:       2,
		FetchRetryDelay:    200 * time.Millisecond,
		ConnectConcurrency: 4,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = def.IdleTimeout
	}
	if p.ReconnectMin <= 0 {
		p.ReconnectMin = def.ReconnectMin
	}
	if p.ReconnectMax < p.ReconnectMin {
		p.ReconnectMax = max(def.ReconnectMax, p.ReconnectMin)
	}
	if p.SubmitDelay < 0 {
		p.SubmitDelay = 0
	}
	if p.MinNotional.IsNegative() {
		p.MinNotional = decimal.Zero
	}
	if p.QuantityPrecision < 0 {
		p.QuantityPrecision = def.QuantityPrecision
	}
	if p.FetchRetryDelay <= 0 {
		p.FetchRetryDelay = def.FetchRetryDelay
	}
	if p.ConnectConcurrency <= 0 {
		p.ConnectConcurrency = def.ConnectConcurrency
	}
	return p
}
