package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"

	"futures_copier/internal/exception"
	"futures_copier/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramQueueSize = 64

// sender - часть tgbotapi.BotAPI, которая нужна уведомлениям
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram отправляет уведомления в чат оператора.
// Сообщения уходят из отдельной горутины, чтобы не задерживать копирование.
type Telegram struct {
	bot    sender
	chatID int64
	logger *slog.Logger

	mu     sync.Mutex // защищает queue от отправки после close
	closed bool
	queue  chan string
	wg     sync.WaitGroup
}

// NewTelegram авторизует бота и запускает отправку
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	logger.Info("✅ Bot authorized", slog.String("username", bot.Self.UserName))

	return newTelegram(bot, chatID, logger), nil
}

func newTelegram(bot sender, chatID int64, logger *slog.Logger) *Telegram {
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger,
		queue:  make(chan string, telegramQueueSize),
	}

	t.wg.Add(1)
	go t.run()

	return t
}

// TradeFailed сообщает о неудачной копии на slave
func (t *Telegram) TradeFailed(_ context.Context, rec models.TradeRecord) {
	t.enqueue(FormatTradeFailed(rec))
}

// MonitorFailed сообщает об остановке монитора master аккаунта
func (t *Telegram) MonitorFailed(_ context.Context, masterID string, err error) {
	t.enqueue(FormatMonitorFailed(masterID, err))
}

// Close дожидается отправки очереди
func (t *Telegram) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	t.wg.Wait()

	return nil
}

func (t *Telegram) enqueue(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.logger.Warn("Telegram notifier closed, message dropped")
		return
	}

	select {
	case t.queue <- text:
	default:
		t.logger.Warn("Telegram queue full, message dropped")
	}
}

func (t *Telegram) run() {
	defer t.wg.Done()

	for text := range t.queue {
		msg := tgbotapi.NewMessage(t.chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML

		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("Failed to send telegram notification", slog.Any("error", err))
		}
	}
}

// FormatTradeFailed формирует HTML текст для неудачной копии
func FormatTradeFailed(rec models.TradeRecord) string {
	var b strings.Builder

	b.WriteString("❌ <b>Copy failed</b>\n")
	fmt.Fprintf(&b, "Master: <code>%s</code>\n", html.EscapeString(rec.MasterID))
	fmt.Fprintf(&b, "Slave: <code>%s</code>\n", html.EscapeString(rec.SlaveID))
	fmt.Fprintf(&b, "Order: %s %s %s @ %s\n",
		rec.Side, rec.Quantity.String(), html.EscapeString(rec.Symbol), rec.Price.String())
	fmt.Fprintf(&b, "Error: %s", html.EscapeString(rec.Error))

	return b.String()
}

// FormatMonitorFailed формирует HTML текст для упавшего монитора
func FormatMonitorFailed(masterID string, err error) string {
	var b strings.Builder

	b.WriteString("🛑 <b>Master monitor stopped</b>\n")
	fmt.Fprintf(&b, "Master: <code>%s</code>\n", html.EscapeString(masterID))
	fmt.Fprintf(&b, "Kind: %s\n", exception.Classify(err))
	if err != nil {
		fmt.Fprintf(&b, "Error: %s", html.EscapeString(err.Error()))
	}

	return b.String()
}
