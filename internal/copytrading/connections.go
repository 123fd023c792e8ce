package copytrading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"
	"futures_copier/internal/models"

	"golang.org/x/sync/singleflight"
)

// AccountStore - чтение аккаунтов, которое нужно copy trading
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]models.Account, error)
	GetAccount(ctx context.Context, accountID string) (models.Account, error)
}

type credentialFailure struct {
	fingerprint string
	err         error
}

// Connections - реестр живых клиентов биржи: account id -> client.
// Создание клиента для одного id выполняется не более одного раза одновременно.
type Connections struct {
	store  AccountStore
	dialer exchange.Dialer
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	epoch    uint64 // растет на каждый CloseAll
	clients  map[string]exchange.Client
	status   map[string]models.ConnectionInfo
	badCreds map[string]credentialFailure
	subs     map[string]struct{}
}

func NewConnections(store AccountStore, dialer exchange.Dialer, logger *slog.Logger) *Connections {
	return &Connections{
		store:    store,
		dialer:   dialer,
		logger:   logger,
		now:      time.Now,
		clients:  make(map[string]exchange.Client),
		status:   make(map[string]models.ConnectionInfo),
		badCreds: make(map[string]credentialFailure),
		subs:     make(map[string]struct{}),
	}
}

// Acquire возвращает живой клиент аккаунта, открывая его при необходимости
func (c *Connections) Acquire(ctx context.Context, accountID string) (exchange.Client, error) {
	if client, ok := c.lookup(accountID); ok {
		return client, nil
	}

	// сессия открывается без отмены, чтобы ее результат достался всем ожидающим
	ch := c.group.DoChan(accountID, func() (any, error) {
		return c.open(context.WithoutCancel(ctx), accountID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(exchange.Client), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", accountID, ctx.Err())
	}
}

func (c *Connections) lookup(accountID string) (exchange.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[accountID]
	return client, ok
}

func (c *Connections) open(ctx context.Context, accountID string) (exchange.Client, error) {
	if client, ok := c.lookup(accountID); ok {
		return client, nil
	}

	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	fingerprint := acc.Credentials.Fingerprint()

	c.mu.Lock()
	if failure, ok := c.badCreds[accountID]; ok {
		if failure.fingerprint == fingerprint {
			c.mu.Unlock()
			return nil, failure.err
		}
		// ключи поменялись, пробуем снова
		delete(c.badCreds, accountID)
	}
	c.setStatus(accountID, models.ConnConnecting, nil)
	epoch := c.epoch
	c.mu.Unlock()

	client, err := c.dialer.Dial(ctx, acc)
	if err != nil {
		c.mu.Lock()
		c.setStatus(accountID, models.ConnError, err)
		if exception.Classify(err) == exception.KindCredential {
			c.badCreds[accountID] = credentialFailure{fingerprint: fingerprint, err: err}
		}
		c.mu.Unlock()

		c.logger.Error("Failed to connect account",
			slog.String("account", accountID),
			slog.String("kind", string(exception.Classify(err))),
			slog.Any("error", err))

		return nil, err
	}

	c.mu.Lock()
	if epoch != c.epoch {
		// CloseAll прошел, пока открывалась сессия
		c.setStatus(accountID, models.ConnDisconnected, nil)
		c.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("%w: connections closed while dialing %s", exception.ErrTransientNetwork, accountID)
	}
	c.clients[accountID] = client
	c.setStatus(accountID, models.ConnConnected, nil)
	c.mu.Unlock()

	c.logger.Info("✅ Account connected",
		slog.String("account", accountID),
		slog.String("role", string(acc.Role)))

	return client, nil
}

// setStatus вызывается под c.mu
func (c *Connections) setStatus(accountID string, status models.ConnectionStatus, err error) {
	info := models.ConnectionInfo{Status: status, Since: c.now()}
	if err != nil {
		info.Error = err.Error()
	}
	c.status[accountID] = info
}

// Release закрывает клиент аккаунта и убирает его из реестра
func (c *Connections) Release(accountID string) {
	c.mu.Lock()
	client, ok := c.clients[accountID]
	delete(c.clients, accountID)
	delete(c.subs, accountID)
	if ok {
		c.setStatus(accountID, models.ConnDisconnected, nil)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	if err := client.Close(); err != nil {
		c.logger.Warn("Failed to close client",
			slog.String("account", accountID),
			slog.Any("error", err))
	}
}

// Invalidate закрывает клиент после ошибки; ошибка ключей блокирует аккаунт до их смены
func (c *Connections) Invalidate(ctx context.Context, accountID string, cause error) {
	if exception.Classify(cause) == exception.KindCredential {
		if acc, err := c.store.GetAccount(ctx, accountID); err == nil {
			c.mu.Lock()
			c.badCreds[accountID] = credentialFailure{fingerprint: acc.Credentials.Fingerprint(), err: cause}
			c.mu.Unlock()
		}
	}

	c.Release(accountID)

	c.mu.Lock()
	c.setStatus(accountID, models.ConnError, cause)
	c.mu.Unlock()
}

// CloseAll закрывает все клиенты
func (c *Connections) CloseAll() error {
	c.mu.Lock()
	c.epoch++
	clients := c.clients
	c.clients = make(map[string]exchange.Client)
	c.subs = make(map[string]struct{})
	for id := range clients {
		c.setStatus(id, models.ConnDisconnected, nil)
	}
	c.mu.Unlock()

	var errs []error
	for id, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}

	if len(clients) > 0 {
		c.logger.Info("All connections closed", slog.Int("count", len(clients)))
	}

	return errors.Join(errs...)
}

// ClaimSubscription отмечает, что у аккаунта есть живая подписка. Вторая подписка - нарушение инварианта.
func (c *Connections) ClaimSubscription(accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[accountID]; ok {
		return fmt.Errorf("%w: account %s already has a live subscription", exception.ErrInternalInvariant, accountID)
	}
	c.subs[accountID] = struct{}{}

	return nil
}

func (c *Connections) ReleaseSubscription(accountID string) {
	c.mu.Lock()
	delete(c.subs, accountID)
	c.mu.Unlock()
}

// Snapshot возвращает копию статусов подключений
func (c *Connections) Snapshot() map[string]models.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]models.ConnectionInfo, len(c.status))
	for id, info := range c.status {
		out[id] = info
	}
	return out
}

// Live возвращает id аккаунтов с открытым клиентом
func (c *Connections) Live() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
