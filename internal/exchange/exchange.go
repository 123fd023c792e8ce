// Package exchange описывает то, что copy trading ядро ожидает от биржевого клиента.
package exchange

import (
	"context"
	"encoding/json"
	"time"

	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
)

// Client - сессия одного аккаунта на бирже.
// Все ошибки ввода-вывода обернуты ровно одним sentinel из пакета exception.
type Client interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
	PriceOf(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceMarketOrder(ctx context.Context, order MarketOrder) (OrderResult, error)
	PositionMode(ctx context.Context) (PositionMode, error)
	SubscribeFills(ctx context.Context) (Subscription, error)
	Close() error
}

// FilterProvider реализуется клиентами, которые знают торговые фильтры символа
type FilterProvider interface {
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
}

// Subscription - поток сырых событий аккаунта
type Subscription interface {
	// Recv блокируется до события, отмены ctx или закрытия потока
	Recv(ctx context.Context) (RawEvent, error)
	Close() error
}

// Dialer открывает сессию по ключам аккаунта
type Dialer interface {
	Dial(ctx context.Context, account models.Account) (Client, error)
}

// DialerFunc позволяет использовать функцию как Dialer
type DialerFunc func(ctx context.Context, account models.Account) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, account models.Account) (Client, error) {
	return f(ctx, account)
}

// RawEvent - сырой кадр user data stream
type RawEvent struct {
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// MarketOrder - рыночный ордер для slave аккаунта
type MarketOrder struct {
	Symbol        string
	Side          models.Side
	Quantity      decimal.Decimal
	PositionSide  string // пусто в one-way режиме
	ClientOrderID string
}

// OrderResult - ответ биржи на размещение ордера
type OrderResult struct {
	OrderID  string
	AvgPrice decimal.Decimal
	Status   string
}

// PositionMode - режим позиций аккаунта
type PositionMode struct {
	Hedge bool
}

// SymbolFilters - ограничения символа, переопределяют значения по умолчанию sizer
type SymbolFilters struct {
	QuantityPrecision int32
	StepSize          decimal.Decimal // 0 = шаг не известен
	MinNotional       decimal.Decimal
}
