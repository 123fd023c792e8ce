package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"futures_copier/internal/exception"

	"github.com/shopspring/decimal"
)

// DefaultRiskPercentage - доля баланса slave, которой можно рисковать в одной сделке (1%)
var DefaultRiskPercentage = decimal.RequireFromString("0.01")

// Role - роль аккаунта в copy trading
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Credentials - API ключи аккаунта на бирже
type Credentials struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APISecret string `json:"api_secret" yaml:"api_secret"`
}

// IsEmpty возвращает true если ключи не заданы
func (c Credentials) IsEmpty() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// Fingerprint позволяет заметить смену ключей без хранения самих ключей.
// Любое изменение ключа или секрета меняет отпечаток.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.APIKey + "\x00" + c.APISecret))
	return hex.EncodeToString(sum[:])
}

// Redacted возвращает ключ в виде, пригодном для логов
func (c Credentials) Redacted() string {
	if len(c.APIKey) <= 6 {
		return "***"
	}
	return c.APIKey[:3] + "***" + c.APIKey[len(c.APIKey)-3:]
}

// Account представляет аккаунт на бирже
type Account struct {
	ID             string          `json:"id"`
	Role           Role            `json:"role"`
	Credentials    Credentials     `json:"-"`
	RiskPercentage decimal.Decimal `json:"risk_percentage"` // доля, 0.02 = 2%
	Multiplier     decimal.Decimal `json:"multiplier"`      // legacy, 0 = не задан
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (a Account) IsMaster() bool { return a.Role == RoleMaster }
func (a Account) IsSlave() bool  { return a.Role == RoleSlave }

// Normalize заполняет значения по умолчанию
func (a Account) Normalize() Account {
	a.ID = strings.TrimSpace(a.ID)
	a.Role = Role(strings.ToLower(string(a.Role)))
	if a.RiskPercentage.IsZero() {
		a.RiskPercentage = DefaultRiskPercentage
	}
	return a
}

// Validate проверяет запись на границе хранилища
func (a Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty id", exception.ErrInvalidAccount)
	}
	if a.Role != RoleMaster && a.Role != RoleSlave {
		return fmt.Errorf("%w: account %s has unknown role %q", exception.ErrInvalidAccount, a.ID, a.Role)
	}
	if a.Credentials.IsEmpty() {
		return fmt.Errorf("%w: account %s has no credentials", exception.ErrInvalidAccount, a.ID)
	}
	if !a.RiskPercentage.IsPositive() || a.RiskPercentage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: account %s risk percentage %s not in (0, 1]",
			exception.ErrInvalidAccount, a.ID, a.RiskPercentage)
	}
	if a.Multiplier.IsNegative() {
		return fmt.Errorf("%w: account %s has negative multiplier", exception.ErrInvalidAccount, a.ID)
	}
	return nil
}

// Side - направление ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// PositionSide возвращает сторону позиции для hedge режима
func (s Side) PositionSide() string {
	if s == SideBuy {
		return "LONG"
	}
	return "SHORT"
}

// NormalizedFill - исполненный ордер master аккаунта в каноническом виде
type NormalizedFill struct {
	MasterID  string
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	AvgPrice  decimal.Decimal
	EventTime time.Time
}

func (f NormalizedFill) String() string {
	return fmt.Sprintf("%s %s %s @ %s", f.Side, f.Quantity, f.Symbol, f.AvgPrice)
}

// TradeStatus - итог попытки копирования на один slave
type TradeStatus string

const (
	TradeSuccess TradeStatus = "success"
	TradeFailed  TradeStatus = "failed"
	TradeSkipped TradeStatus = "skipped"
)

// TradeRecord - неизменяемая запись об одной попытке копирования
type TradeRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	MasterID  string          `json:"master_id"`
	SlaveID   string          `json:"slave_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    TradeStatus     `json:"status"`
	Error     string          `json:"error,omitempty"`  // только для failed
	Reason    string          `json:"reason,omitempty"` // только для skipped
	OrderID   string          `json:"order_id,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

// ConnectionStatus - состояние сессии аккаунта
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// ConnectionInfo - снимок состояния подключения для status()
type ConnectionInfo struct {
	Status ConnectionStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
	Since  time.Time        `json:"since"`
}

// PersistedState - часть SupervisorState, которая переживает рестарт процесса
type PersistedState struct {
	CopyingActive bool       `json:"copying_active"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}
