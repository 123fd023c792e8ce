package copytrading

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/models"
	"futures_copier/internal/notify"

	"github.com/sethvargo/go-retry"
)

// MonitorState - состояние монитора master аккаунта
type MonitorState string

const (
	StateDisconnected MonitorState = "disconnected"
	StateConnecting   MonitorState = "connecting"
	StateStreaming    MonitorState = "streaming"
	StateReconnecting MonitorState = "reconnecting"
	StateStopped      MonitorState = "stopped"
	StateFailed       MonitorState = "failed"
)

// MonitorSnapshot - состояние монитора для Status
type MonitorSnapshot struct {
	MasterID    string       `json:"master_id"`
	State       MonitorState `json:"state"`
	LastError   string       `json:"last_error,omitempty"`
	Since       time.Time    `json:"since"`
	Reconnects  int          `json:"reconnects"`
	Fills       int          `json:"fills"`
	Copied      int          `json:"copied"`       // успешные slave ордера
	Failed      int          `json:"failed"`       // неуспешные попытки
	Skipped     int          `json:"skipped"`      // пропуски sizer
	FailedFills int          `json:"failed_fills"` // fills, не скопированные ни на один slave
	MixedFills  int          `json:"mixed_fills"`  // fills с успешными и неуспешными slave
}

// FillHandler обрабатывает исполненный ордер master; вызывается последовательно
type FillHandler func(ctx context.Context, fill models.NormalizedFill) ExecutionResult

// Monitor держит подписку на события одного master аккаунта и переподключается при обрывах
type Monitor struct {
	masterID string
	conns    *Connections
	handle   FillHandler
	params   Params
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	prev <-chan struct{} // предыдущий монитор этого master, который еще завершается
	done chan struct{}

	mu   sync.Mutex
	snap MonitorSnapshot
}

func NewMonitor(
	masterID string,
	conns *Connections,
	handle FillHandler,
	params Params,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Monitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}

	m := &Monitor{
		masterID: masterID,
		conns:    conns,
		handle:   handle,
		params:   params.withDefaults(),
		notifier: notifier,
		logger:   logger.With(slog.String("master", masterID)),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	m.snap = MonitorSnapshot{MasterID: masterID, State: StateDisconnected, Since: m.now()}

	return m
}

// Done закрывается, когда Run завершился
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Snapshot возвращает текущее состояние
func (m *Monitor) Snapshot() MonitorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snap
}

func (m *Monitor) setState(state MonitorState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.State != state {
		m.snap.Since = m.now()
	}
	m.snap.State = state
	if err != nil {
		m.snap.LastError = err.Error()
	}
	if state == StateReconnecting {
		m.snap.Reconnects++
	}
}

func (m *Monitor) countFill() {
	m.mu.Lock()
	m.snap.Fills++
	m.mu.Unlock()
}

func (m *Monitor) countResult(res ExecutionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap.Copied += res.SuccessCount
	m.snap.Failed += res.FailedCount
	m.snap.Skipped += res.SkippedCount
	switch {
	case res.IsFullFailure():
		m.snap.FailedFills++
	case res.IsPartialSuccess():
		m.snap.MixedFills++
	}
}

func (m *Monitor) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.params.ReconnectMin)
	b = retry.WithCappedDuration(m.params.ReconnectMax, b)
	b = retry.WithJitterPercent(10, b)
	return b
}

// Run работает до отмены ctx или фатальной ошибки
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	if m.prev != nil {
		select {
		case <-m.prev:
		case <-ctx.Done():
			m.setState(StateStopped, nil)
			return
		}
	}

	m.logger.Info("🚀 Master monitor started")

	backoff := m.newBackoff()

	for {
		if ctx.Err() != nil {
			m.stopped()
			return
		}

		m.setState(StateConnecting, nil)

		streamed, err := m.session(ctx)

		switch {
		case ctx.Err() != nil:
			m.stopped()
			return
		case exception.IsFatal(err), errors.Is(err, exception.ErrAccountNotFound):
			m.setState(StateFailed, err)
			m.logger.Error("❌ Master monitor failed",
				slog.String("kind", string(exception.Classify(err))),
				slog.Any("error", err))
			m.notifier.MonitorFailed(context.WithoutCancel(ctx), m.masterID, err)
			return
		}

		if streamed {
			backoff = m.newBackoff()
		}

		delay, _ := backoff.Next()

		m.setState(StateReconnecting, err)
		m.logger.Warn("Master stream lost, reconnecting",
			slog.Duration("delay", delay),
			slog.Any("error", err))

		if !sleepCtx(ctx, delay) {
			m.stopped()
			return
		}
	}
}

func (m *Monitor) stopped() {
	m.setState(StateStopped, nil)
	m.logger.Info("Master monitor stopped")
}

// session подключается и читает поток до первой ошибки.
// streamed=true если подписка была установлена. Клиент и подписка освобождаются до возврата.
func (m *Monitor) session(ctx context.Context) (streamed bool, err error) {
	client, err := m.conns.Acquire(ctx, m.masterID)
	if err != nil {
		return false, err
	}
	defer m.conns.Release(m.masterID)

	if err := m.conns.ClaimSubscription(m.masterID); err != nil {
		return false, err
	}
	defer m.conns.ReleaseSubscription(m.masterID)

	sub, err := client.SubscribeFills(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			m.logger.Debug("Subscription close error", slog.Any("error", err))
		}
	}()

	m.setState(StateStreaming, nil)
	m.logger.Info("✅ Streaming master fills")

	for {
		recvCtx, cancel := context.WithTimeout(ctx, m.params.IdleTimeout)
		raw, err := sub.Recv(recvCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				m.logger.Debug("No events within idle timeout")
				continue
			}
			return true, err
		}

		fill, ok, err := NormalizeEvent(m.masterID, raw)
		if err != nil {
			if errors.Is(err, ErrInvalidFill) {
				m.logger.Warn("Skipping malformed fill", slog.Any("error", err))
				continue
			}
			return true, err
		}

		if !ok {
			continue
		}

		m.countFill()
		m.logger.Info("📦 Master fill",
			slog.String("symbol", fill.Symbol),
			slog.String("side", string(fill.Side)),
			slog.String("quantity", fill.Quantity.String()),
			slog.String("price", fill.AvgPrice.String()),
			slog.String("orderId", fill.OrderID))

		// копирование доводится до конца даже при остановке
		m.countResult(m.handle(context.WithoutCancel(ctx), fill))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
