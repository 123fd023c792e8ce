package copytrading

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"
	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
)

const (
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	orderStatusFilled     = "FILLED"
)

// ErrInvalidFill - событие FILLED с некорректными полями; такое событие пропускается
var ErrInvalidFill = errors.New("invalid fill event")

// orderTradeUpdate - событие ORDER_TRADE_UPDATE user data stream.
// Поля x и AP объявлены явно: encoding/json сопоставляет ключи без учета регистра.
type orderTradeUpdate struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol          string          `json:"s"`
		ClientOrderID   string          `json:"c"`
		Side            string          `json:"S"`
		Type            string          `json:"o"`
		Quantity        decimal.Decimal `json:"q"`
		AvgPrice        decimal.Decimal `json:"ap"`
		ActivationPrice json.RawMessage `json:"AP"`
		ExecutionType   string          `json:"x"`
		Status          string          `json:"X"`
		OrderID         int64           `json:"i"`
		PositionSide    string          `json:"ps"`
		ReduceOnly      bool            `json:"R"`
	} `json:"o"`
}

// NormalizeEvent превращает сырой кадр в NormalizedFill.
// ok=false для всех событий, кроме полностью исполненных ордеров.
// Ошибка с ErrInvalidFill означает испорченный FILLED, остальные ошибки - нечитаемый кадр.
func NormalizeEvent(masterID string, raw exchange.RawEvent) (models.NormalizedFill, bool, error) {
	var head struct {
		Event     string          `json:"e"`
		EventTime json.RawMessage `json:"E"`
	}
	if err := json.Unmarshal(raw.Payload, &head); err != nil {
		return models.NormalizedFill{}, false, fmt.Errorf("%w: decode event: %v", exception.ErrTransientNetwork, err)
	}

	if head.Event != eventOrderTradeUpdate {
		return models.NormalizedFill{}, false, nil
	}

	var ev orderTradeUpdate
	if err := json.Unmarshal(raw.Payload, &ev); err != nil {
		return models.NormalizedFill{}, false, fmt.Errorf("%w: decode order update: %v", ErrInvalidFill, err)
	}

	if ev.Order.Status != orderStatusFilled {
		return models.NormalizedFill{}, false, nil
	}

	side, err := models.ParseSide(ev.Order.Side)
	if err != nil {
		return models.NormalizedFill{}, false, fmt.Errorf("%w: %v", ErrInvalidFill, err)
	}

	if ev.Order.Symbol == "" {
		return models.NormalizedFill{}, false, fmt.Errorf("%w: empty symbol", ErrInvalidFill)
	}

	if !ev.Order.Quantity.IsPositive() || !ev.Order.AvgPrice.IsPositive() {
		return models.NormalizedFill{}, false, fmt.Errorf("%w: order %d quantity %s price %s",
			ErrInvalidFill, ev.Order.OrderID, ev.Order.Quantity, ev.Order.AvgPrice)
	}

	eventTime := raw.ReceivedAt
	if ev.EventTime > 0 {
		eventTime = time.UnixMilli(ev.EventTime)
	}

	return models.NormalizedFill{
		MasterID:  masterID,
		OrderID:   strconv.FormatInt(ev.Order.OrderID, 10),
		Symbol:    ev.Order.Symbol,
		Side:      side,
		Quantity:  ev.Order.Quantity,
		AvgPrice:  ev.Order.AvgPrice,
		EventTime: eventTime,
	}, true, nil
}
