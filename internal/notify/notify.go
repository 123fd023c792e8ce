// Package notify доставляет оператору уведомления о неудачных копиях и упавших мониторах.
package notify

import (
	"context"

	"futures_copier/internal/models"
)

// Notifier получает события, на которые должен отреагировать человек.
// Реализации не возвращают ошибок: доставка best effort.
type Notifier interface {
	TradeFailed(ctx context.Context, rec models.TradeRecord)
	MonitorFailed(ctx context.Context, masterID string, err error)
}

// Nop - Notifier, который ничего не делает
type Nop struct{}

func (Nop) TradeFailed(context.Context, models.TradeRecord) {}

func (Nop) MonitorFailed(context.Context, string, error) {}
