package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"futures_copier/internal/exception"
	"futures_copier/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.msgs = append(f.msgs, msg)
	}
	return tgbotapi.Message{}, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failedRecord() models.TradeRecord {
	return models.TradeRecord{
		MasterID: "master-1",
		SlaveID:  "slave<1>",
		Symbol:   "BTCUSDT",
		Side:     models.SideBuy,
		Quantity: decimal.RequireFromString("0.002"),
		Price:    decimal.NewFromInt(50000),
		Status:   models.TradeFailed,
		Error:    "order: rejected by exchange",
	}
}

func TestFormatTradeFailedEscapes(t *testing.T) {
	t.Parallel()

	text := FormatTradeFailed(failedRecord())
	assert.Contains(t, text, "slave&lt;1&gt;")
	assert.Contains(t, text, "BUY 0.002 BTCUSDT @ 50000")
	assert.Contains(t, text, "order: rejected by exchange")
}

func TestFormatMonitorFailed(t *testing.T) {
	t.Parallel()

	text := FormatMonitorFailed("master-1", fmt.Errorf("dial: %w", exception.ErrCredential))
	assert.Contains(t, text, "master-1")
	assert.Contains(t, text, string(exception.KindCredential))
}

func TestTelegramDeliversInOrderAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	bot := &fakeSender{}
	n := newTelegram(bot, 777, discardLogger())

	n.TradeFailed(context.Background(), failedRecord())
	n.MonitorFailed(context.Background(), "master-1", exception.ErrRegionRestricted)
	require.NoError(t, n.Close())

	// после Close сообщения молча отбрасываются
	n.TradeFailed(context.Background(), failedRecord())
	require.NoError(t, n.Close())

	bot.mu.Lock()
	defer bot.mu.Unlock()

	require.Len(t, bot.msgs, 2)
	assert.Equal(t, int64(777), bot.msgs[0].ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, bot.msgs[0].ParseMode)
	assert.Contains(t, bot.msgs[0].Text, "Copy failed")
	assert.Contains(t, bot.msgs[1].Text, "Master monitor stopped")
}

func TestTelegramEnqueueRacesClose(t *testing.T) {
	t.Parallel()

	bot := &fakeSender{}
	n := newTelegram(bot, 1, discardLogger())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 20 {
				n.MonitorFailed(context.Background(), fmt.Sprintf("master-%d-%d", i, j), nil)
			}
		}()
	}

	require.NoError(t, n.Close())
	wg.Wait()

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.LessOrEqual(t, len(bot.msgs), 8*20)
}

func TestTelegramSendErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	bot := &fakeSender{err: errors.New("telegram down")}
	n := newTelegram(bot, 1, discardLogger())

	n.TradeFailed(context.Background(), failedRecord())
	assert.NoError(t, n.Close())
}

func TestNopSatisfiesNotifier(t *testing.T) {
	t.Parallel()

	var n Notifier = Nop{}
	n.TradeFailed(context.Background(), failedRecord())
	n.MonitorFailed(context.Background(), "m", nil)
}
