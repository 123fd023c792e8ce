package copytrading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"
	"futures_copier/internal/models"
	"futures_copier/internal/notify"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Ledger - журнал попыток копирования
type Ledger interface {
	Append(ctx context.Context, rec models.TradeRecord) (models.TradeRecord, error)
}

// Dispatcher копирует fill master аккаунта на все активные slave аккаунты
type Dispatcher struct {
	accounts AccountStore
	conns    *Connections
	ledger   Ledger
	notifier notify.Notifier
	params   Params
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(
	accounts AccountStore,
	conns *Connections,
	ledger Ledger,
	notifier notify.Notifier,
	params Params,
	logger *slog.Logger,
) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Dispatcher{
		accounts: accounts,
		conns:    conns,
		ledger:   ledger,
		notifier: notifier,
		params:   params.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Dispatcher) activeSlaves(ctx context.Context) ([]models.Account, error) {
	accounts, err := d.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	slaves := make([]models.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc.IsSlave() && acc.Active {
			slaves = append(slaves, acc)
		}
	}

	return slaves, nil
}

// Dispatch копирует fill на все активные slave аккаунты параллельно.
// Возвращается только после того, как каждая попытка записана в журнал.
func (d *Dispatcher) Dispatch(ctx context.Context, masterID string, fill models.NormalizedFill) ExecutionResult {
	slaves, err := d.activeSlaves(ctx)
	if err != nil {
		d.logger.Error("Failed to load slaves, fill not copied",
			slog.String("master", masterID),
			slog.String("symbol", fill.Symbol),
			slog.Any("error", err))
		return ExecutionResult{}
	}

	result := ExecutionResult{
		TotalCount: len(slaves),
		Results:    make([]AccountResult, 0, len(slaves)),
	}

	if len(slaves) == 0 {
		d.logger.Warn("No active slaves", slog.String("master", masterID))
		return result
	}

	// ордера разных slave уходят не чаще одного за SubmitDelay
	limit := rate.Inf
	if d.params.SubmitDelay > 0 {
		limit = rate.Every(d.params.SubmitDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, slave := range slaves {
		wg.Add(1)
		go func(acc models.Account) {
			defer wg.Done()

			accResult := d.runSlave(ctx, acc, fill, limiter)
			d.record(ctx, masterID, fill, accResult)

			mu.Lock()
			result.add(accResult)
			mu.Unlock()
		}(slave)
	}

	wg.Wait()

	level, msg := slog.LevelWarn, "⚠️ Fill copied with failures"
	switch {
	case result.IsFullSuccess():
		level, msg = slog.LevelInfo, "📊 Fill copied"
	case result.IsFullFailure():
		level, msg = slog.LevelError, "❌ Fill not copied to any slave"
	}

	d.logger.Log(ctx, level, msg,
		slog.String("master", masterID),
		slog.String("symbol", fill.Symbol),
		slog.String("side", string(fill.Side)),
		slog.Int("total", result.TotalCount),
		slog.Int("success", result.SuccessCount),
		slog.Int("failed", result.FailedCount),
		slog.Int("skipped", result.SkippedCount))

	return result
}

// runSlave изолирует slave: паника превращается в failed результат
func (d *Dispatcher) runSlave(ctx context.Context, acc models.Account, fill models.NormalizedFill, limiter *rate.Limiter) (res AccountResult) {
	start := d.now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while copying to slave",
				slog.String("slave", acc.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))

			res = AccountResult{
				AccountID: acc.ID,
				Status:    models.TradeFailed,
				Price:     fill.AvgPrice,
				Error:     fmt.Sprintf("%v: panic: %v", exception.ErrInternalInvariant, r),
			}
		}
		res.LatencyMs = d.now().Sub(start).Milliseconds()
	}()

	return d.copyToSlave(ctx, acc, fill, limiter)
}

func (d *Dispatcher) copyToSlave(ctx context.Context, acc models.Account, fill models.NormalizedFill, limiter *rate.Limiter) AccountResult {
	res := AccountResult{
		AccountID: acc.ID,
		Price:     fill.AvgPrice,
	}

	fail := func(stage string, err error) AccountResult {
		d.logger.Error("Failed to copy trade to slave",
			slog.String("slave", acc.ID),
			slog.String("symbol", fill.Symbol),
			slog.String("stage", stage),
			slog.String("kind", string(exception.Classify(err))),
			slog.Any("error", err))

		if exception.IsFatal(err) {
			d.conns.Invalidate(ctx, acc.ID, err)
		}

		res.Status = models.TradeFailed
		res.Error = fmt.Sprintf("%s: %v", stage, err)
		return res
	}

	skipWith := func(reason string) AccountResult {
		d.logger.Warn("Skipping trade for slave",
			slog.String("slave", acc.ID),
			slog.String("symbol", fill.Symbol),
			slog.String("reason", reason))

		res.Status = models.TradeSkipped
		res.Reason = reason
		return res
	}

	client, err := d.conns.Acquire(ctx, acc.ID)
	if err != nil {
		return fail("connect", err)
	}

	balance, err := d.fetch(ctx, client.Balance)
	if err != nil {
		if exception.IsFatal(err) || errors.Is(err, context.Canceled) {
			return fail("balance", err)
		}
		return skipWith(SkipPricingUnavailable + ": balance: " + err.Error())
	}

	price, err := d.fetch(ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return client.PriceOf(ctx, fill.Symbol)
	})
	if err != nil {
		if exception.IsFatal(err) || errors.Is(err, context.Canceled) {
			return fail("price", err)
		}
		return skipWith(SkipPricingUnavailable + ": price: " + err.Error())
	}

	precision := d.params.QuantityPrecision
	minNotional := d.params.MinNotional
	var stepSize decimal.Decimal

	if fp, ok := client.(exchange.FilterProvider); ok {
		filters, err := fp.SymbolFilters(ctx, fill.Symbol)
		if err != nil {
			d.logger.Debug("Symbol filters unavailable, using defaults",
				slog.String("symbol", fill.Symbol),
				slog.Any("error", err))
		} else {
			precision = filters.QuantityPrecision
			stepSize = filters.StepSize
			if filters.MinNotional.IsPositive() {
				minNotional = filters.MinNotional
			}
		}
	}

	decision := Size(SizingInput{
		MasterQuantity: fill.Quantity,
		Price:          price,
		Balance:        balance,
		RiskPercentage: acc.RiskPercentage,
		Multiplier:     acc.Multiplier,
		MinNotional:    minNotional,
		Precision:      precision,
		StepSize:       stepSize,
	})

	if decision.Skipped() {
		return skipWith(decision.SkipReason)
	}

	res.Quantity = decision.Quantity

	order := exchange.MarketOrder{
		Symbol:        fill.Symbol,
		Side:          fill.Side,
		Quantity:      decision.Quantity,
		ClientOrderID: newClientOrderID(),
	}

	mode, err := client.PositionMode(ctx)
	if err != nil {
		return fail("position mode", err)
	}
	if mode.Hedge {
		order.PositionSide = fill.Side.PositionSide()
	}

	if err := limiter.Wait(ctx); err != nil {
		return fail("rate limit", err)
	}

	placed, err := client.PlaceMarketOrder(ctx, order)
	if err != nil {
		return fail("order", err)
	}

	res.Status = models.TradeSuccess
	res.OrderID = placed.OrderID
	if placed.AvgPrice.IsPositive() {
		res.Price = placed.AvgPrice
	}

	d.logger.Info("✅ Slave copied",
		slog.String("slave", acc.ID),
		slog.String("symbol", fill.Symbol),
		slog.String("side", string(fill.Side)),
		slog.String("quantity", decision.Quantity.String()),
		slog.String("position_side", order.PositionSide),
		slog.String("orderId", placed.OrderID))

	return res
}

// fetch повторяет чтение только при сетевых ошибках
func (d *Dispatcher) fetch(ctx context.Context, fn func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	var out decimal.Decimal

	b := retry.WithMaxRetries(d.params.FetchRetries, retry.NewExponential(d.params.FetchRetryDelay))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			if exception.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = v
		return nil
	})

	return out, err
}

// record пишет ровно одну запись на попытку и уведомляет о неудаче
func (d *Dispatcher) record(ctx context.Context, masterID string, fill models.NormalizedFill, res AccountResult) {
	rec := models.TradeRecord{
		Timestamp: d.now(),
		MasterID:  masterID,
		SlaveID:   res.AccountID,
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Quantity:  res.Quantity,
		Price:     res.Price,
		Status:    res.Status,
		OrderID:   res.OrderID,
		LatencyMs: res.LatencyMs,
	}

	switch res.Status {
	case models.TradeFailed:
		rec.Error = res.Error
		if rec.Error == "" {
			rec.Error = "unknown error"
		}
	case models.TradeSkipped:
		rec.Reason = res.Reason
	}

	stored, err := d.ledger.Append(ctx, rec)
	if err != nil {
		d.logger.Error("Failed to append trade record",
			slog.String("slave", res.AccountID),
			slog.Any("error", err))
		stored = rec
	}

	if res.Status == models.TradeFailed {
		d.notifier.TradeFailed(ctx, stored)
	}
}

// newClientOrderID - id не длиннее 36 символов, как требует Binance
func newClientOrderID() string {
	return "cp" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
