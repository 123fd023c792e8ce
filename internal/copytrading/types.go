package copytrading

import (
	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
)

// AccountResult - результат копирования на один slave аккаунт
type AccountResult struct {
	AccountID string
	Status    models.TradeStatus
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Error     string
	Reason    string
	OrderID   string
	LatencyMs int64
}

// ExecutionResult - результат копирования одного fill на все slave аккаунты
type ExecutionResult struct {
	TotalCount   int
	SuccessCount int
	FailedCount  int
	SkippedCount int
	Results      []AccountResult
}

func (r *ExecutionResult) add(res AccountResult) {
	switch res.Status {
	case models.TradeSuccess:
		r.SuccessCount++
	case models.TradeSkipped:
		r.SkippedCount++
	default:
		r.FailedCount++
	}
	r.Results = append(r.Results, res)
}

// IsFullSuccess возвращает true если ни одна операция не упала
func (r *ExecutionResult) IsFullSuccess() bool {
	return r.FailedCount == 0
}

// IsPartialSuccess возвращает true если есть и успешные и неуспешные операции
func (r *ExecutionResult) IsPartialSuccess() bool {
	return r.SuccessCount > 0 && r.FailedCount > 0
}

// IsFullFailure возвращает true если все операции неуспешны
func (r *ExecutionResult) IsFullFailure() bool {
	return r.TotalCount > 0 && r.FailedCount == r.TotalCount
}
