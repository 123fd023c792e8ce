package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer     = 64
	handshakeTimeout = 10 * time.Second
	closeTimeout     = 5 * time.Second
)

// stream - user data stream одного аккаунта
type stream struct {
	client    *Client
	conn      *websocket.Conn
	listenKey string
	logger    *slog.Logger

	events chan exchange.RawEvent
	done   chan struct{} // закрыт в Close
	dead   chan struct{} // закрыт когда readMessages завершился
	err    error         // причина завершения, пишется до close(dead)

	closeOnce sync.Once
	closeErr  error
}

// SubscribeFills открывает user data stream: listen key + websocket
func (c *Client) SubscribeFills(ctx context.Context) (exchange.Subscription, error) {
	var lk listenKeyResponse
	if err := c.doKeyed(ctx, http.MethodPost, nil, &lk); err != nil {
		return nil, fmt.Errorf("create listen key: %w", err)
	}

	if lk.ListenKey == "" {
		return nil, fmt.Errorf("%w: empty listen key", exception.ErrTransientNetwork)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	wsURL := c.opts.WSURL + "/ws/" + lk.ListenKey

	c.logger.Info("Connecting to user data stream")

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.deleteListenKey(lk.ListenKey)
		return nil, classifyTransport(ctx, "dial user data stream", err)
	}

	s := &stream{
		client:    c,
		conn:      conn,
		listenKey: lk.ListenKey,
		logger:    c.logger,
		events:    make(chan exchange.RawEvent, streamBuffer),
		done:      make(chan struct{}),
		dead:      make(chan struct{}),
	}

	s.watchLiveness()

	if !c.track(s) {
		_ = s.Close()
		return nil, fmt.Errorf("%w: client closed", exception.ErrSubscriptionClosed)
	}

	go s.readMessages()
	go s.keepAlive()

	c.logger.Info("✅ User data stream connected")

	return s, nil
}

// Recv возвращает следующий кадр потока
func (s *stream) Recv(ctx context.Context) (exchange.RawEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.dead:
		// кадры, прочитанные до ошибки, отдаются первыми
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}
		return exchange.RawEvent{}, s.err
	case <-s.done:
		return exchange.RawEvent{}, exception.ErrSubscriptionClosed
	case <-ctx.Done():
		return exchange.RawEvent{}, ctx.Err()
	}
}

// Close закрывает websocket и удаляет listen key. Повторный вызов ничего не делает.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}

		s.client.deleteListenKey(s.listenKey)
		s.client.untrack(s)

		s.logger.Info("User data stream disconnected")
	})

	return s.closeErr
}

// watchLiveness продлевает read deadline на каждый ping и pong.
// Полуоткрытое соединение обрывается по deadline, а не висит в ReadMessage.
func (s *stream) watchLiveness() {
	timeout := s.client.opts.ReadTimeout

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(closeTimeout))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})
}

func (s *stream) readMessages() {
	defer close(s.dead)

	for {
		// deadline отсчитывается от начала ожидания кадра, а не от отправки в events
		_ = s.conn.SetReadDeadline(time.Now().Add(s.client.opts.ReadTimeout))

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				s.err = exception.ErrSubscriptionClosed
			default:
				s.logger.Warn("User data stream read error", slog.Any("error", err))
				s.err = fmt.Errorf("%w: read user data stream: %v", exception.ErrTransientNetwork, err)
			}
			return
		}

		s.logger.Debug("📥 WebSocket READ", slog.Int("bytes", len(message)))

		var head streamEvent
		if err := json.Unmarshal(message, &head); err == nil && head.Event == eventListenKeyExpired {
			s.logger.Warn("Listen key expired")
			s.err = fmt.Errorf("%w: listen key expired", exception.ErrSubscriptionClosed)
			return
		}

		select {
		case s.events <- exchange.RawEvent{Payload: message, ReceivedAt: time.Now()}:
		case <-s.done:
			s.err = exception.ErrSubscriptionClosed
			return
		}
	}
}

// keepAlive продлевает listen key и шлет ping, пока поток жив
func (s *stream) keepAlive() {
	renew := time.NewTicker(s.client.opts.KeepAliveInterval)
	defer renew.Stop()

	ping := time.NewTicker(s.client.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.dead:
			return
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeTimeout)); err != nil {
				s.logger.Warn("Ping failed, dropping user data stream", slog.Any("error", err))
				// readMessages получит ошибку и завершит поток как transient
				_ = s.conn.Close()
				return
			}
		case <-renew.C:
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			params := url.Values{}
			params.Set("listenKey", s.listenKey)
			err := s.client.doKeyed(ctx, http.MethodPut, params, nil)
			cancel()

			if err != nil {
				s.logger.Warn("Listen key keepalive failed", slog.Any("error", err))
				continue
			}
			s.logger.Debug("Listen key renewed")
		}
	}
}

func (c *Client) deleteListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("listenKey", listenKey)

	if err := c.doKeyed(ctx, http.MethodDelete, params, nil); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failed to delete listen key", slog.Any("error", err))
	}
}
