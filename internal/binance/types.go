package binance

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// apiError - тело ошибки Binance: {"code":-2015,"msg":"..."}
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type accountResponse struct {
	TotalWalletBalance decimal.Decimal `json:"totalWalletBalance"`
	AvailableBalance   decimal.Decimal `json:"availableBalance"`
}

type tickerPriceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
}

type positionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol            string         `json:"symbol"`
	QuantityPrecision int32          `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string          `json:"filterType"`
	StepSize   decimal.Decimal `json:"stepSize"`
	Notional   decimal.Decimal `json:"notional"`
}

// streamEvent - общая часть всех кадров user data stream.
// E объявлен, чтобы не попасть в поле e: ключи сопоставляются без учета регистра.
type streamEvent struct {
	Event     string          `json:"e"`
	EventTime json.RawMessage `json:"E"`
}

const (
	eventListenKeyExpired = "listenKeyExpired"

	filterLotSize     = "LOT_SIZE"
	filterMinNotional = "MIN_NOTIONAL"
)
