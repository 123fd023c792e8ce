package copytrading

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"
	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() Params {
	p := DefaultParams()
	p.IdleTimeout = 50 * time.Millisecond
	p.ReconnectMin = 5 * time.Millisecond
	p.ReconnectMax = 20 * time.Millisecond
	p.SubmitDelay = time.Millisecond
	p.FetchRetryDelay = time.Millisecond
	return p
}

// fakeStore - AccountStore + StateStore в памяти
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	state    models.PersistedState
	listErr  error
	saves    int
}

func newFakeStore(accounts ...models.Account) *fakeStore {
	s := &fakeStore{accounts: make(map[string]models.Account)}
	for _, acc := range accounts {
		s.put(acc)
	}
	return s
}

func (s *fakeStore) put(acc models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = acc.Normalize()
}

func (s *fakeStore) ListAccounts(context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	out := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetAccount(_ context.Context, id string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", exception.ErrAccountNotFound, id)
	}
	return acc, nil
}

func (s *fakeStore) LoadState(context.Context) (models.PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeStore) SaveState(_ context.Context, state models.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.saves++
	return nil
}

func (s *fakeStore) persisted() models.PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// fakeLedger запоминает записи в порядке добавления
type fakeLedger struct {
	mu      sync.Mutex
	records []models.TradeRecord
}

func (l *fakeLedger) Append(_ context.Context, rec models.TradeRecord) (models.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.ID = fmt.Sprintf("rec-%04d", len(l.records)+1)
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *fakeLedger) all() []models.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TradeRecord(nil), l.records...)
}

func (l *fakeLedger) bySlave(id string) []models.TradeRecord {
	var out []models.TradeRecord
	for _, rec := range l.all() {
		if rec.SlaveID == id {
			out = append(out, rec)
		}
	}
	return out
}

// fakeNotifier считает уведомления
type fakeNotifier struct {
	mu            sync.Mutex
	tradeFailed   []models.TradeRecord
	monitorFailed []string
}

func (n *fakeNotifier) TradeFailed(_ context.Context, rec models.TradeRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tradeFailed = append(n.tradeFailed, rec)
}

func (n *fakeNotifier) MonitorFailed(_ context.Context, masterID string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.monitorFailed = append(n.monitorFailed, masterID)
}

func (n *fakeNotifier) monitorFailures() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.monitorFailed...)
}

// frame - кадр или ошибка для fakeSub
type frame struct {
	raw string
	err error
}

type fakeSub struct {
	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSub(frames ...frame) *fakeSub {
	s := &fakeSub{frames: make(chan frame, 16), closed: make(chan struct{})}
	for _, f := range frames {
		s.frames <- f
	}
	return s
}

func (s *fakeSub) Recv(ctx context.Context) (exchange.RawEvent, error) {
	select {
	case f := <-s.frames:
		if f.err != nil {
			return exchange.RawEvent{}, f.err
		}
		return exchange.RawEvent{Payload: []byte(f.raw), ReceivedAt: time.Now()}, nil
	case <-s.closed:
		return exchange.RawEvent{}, exception.ErrSubscriptionClosed
	case <-ctx.Done():
		return exchange.RawEvent{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeClient - exchange.Client с настраиваемыми ответами
type fakeClient struct {
	mu sync.Mutex

	balance     decimal.Decimal
	balanceErrs []error // по одной на вызов, потом успех
	price       decimal.Decimal
	priceErr    error
	hedge       bool
	orderErr    error
	orderPanic  bool
	orderDelay  time.Duration
	filters     *exchange.SymbolFilters

	orders     []exchange.MarketOrder
	subs       []*fakeSub
	subscribed int

	exch *fakeExchange
	id   string
}

func (c *fakeClient) Balance(context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.balanceErrs) > 0 {
		err := c.balanceErrs[0]
		c.balanceErrs = c.balanceErrs[1:]
		return decimal.Zero, err
	}
	return c.balance, nil
}

func (c *fakeClient) PriceOf(context.Context, string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.price, c.priceErr
}

func (c *fakeClient) PlaceMarketOrder(ctx context.Context, order exchange.MarketOrder) (exchange.OrderResult, error) {
	c.mu.Lock()
	delay, panics, orderErr := c.orderDelay, c.orderPanic, c.orderErr
	c.mu.Unlock()

	if panics {
		panic("exchange exploded")
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return exchange.OrderResult{}, ctx.Err()
		}
	}

	if orderErr != nil {
		return exchange.OrderResult{}, orderErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, order)
	return exchange.OrderResult{OrderID: fmt.Sprintf("%s-%d", c.id, len(c.orders)), Status: "FILLED"}, nil
}

func (c *fakeClient) PositionMode(context.Context) (exchange.PositionMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return exchange.PositionMode{Hedge: c.hedge}, nil
}

func (c *fakeClient) SubscribeFills(context.Context) (exchange.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribed++
	if len(c.subs) == 0 {
		return newFakeSub(), nil
	}
	sub := c.subs[0]
	c.subs = c.subs[1:]
	return sub, nil
}

func (c *fakeClient) Close() error {
	c.exch.closed(c.id)
	return nil
}

func (c *fakeClient) placed() []exchange.MarketOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange.MarketOrder(nil), c.orders...)
}

func (c *fakeClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// filteringClient добавляет SymbolFilters к fakeClient
type filteringClient struct {
	*fakeClient
}

func (c filteringClient) SymbolFilters(context.Context, string) (exchange.SymbolFilters, error) {
	return *c.filters, nil
}

// fakeExchange - exchange.Dialer, считающий открытые сессии
type fakeExchange struct {
	mu       sync.Mutex
	clients  map[string]*fakeClient
	dialErr  map[string]error
	dials    map[string]int
	closes   map[string]int
	maxLive  map[string]int
	dialWait time.Duration

	totalDials atomic.Int32
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		clients: make(map[string]*fakeClient),
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
		closes:  make(map[string]int),
		maxLive: make(map[string]int),
	}
}

func (e *fakeExchange) client(id string) *fakeClient {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.clients[id]
	if !ok {
		c = &fakeClient{
			id:      id,
			exch:    e,
			balance: decimal.NewFromInt(10000),
			price:   decimal.NewFromInt(100),
		}
		e.clients[id] = c
	}
	return c
}

func (e *fakeExchange) setDialErr(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dialErr[id] = err
}

func (e *fakeExchange) Dial(ctx context.Context, acc models.Account) (exchange.Client, error) {
	e.totalDials.Add(1)

	if e.dialWait > 0 {
		time.Sleep(e.dialWait)
	}

	c := e.client(acc.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.dialErr[acc.ID]; err != nil {
		return nil, err
	}

	e.dials[acc.ID]++
	if live := e.dials[acc.ID] - e.closes[acc.ID]; live > e.maxLive[acc.ID] {
		e.maxLive[acc.ID] = live
	}

	if c.filters != nil {
		return filteringClient{c}, nil
	}
	return c, nil
}

func (e *fakeExchange) closed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes[id]++
}

func (e *fakeExchange) stats(id string) (dials, closes, maxLive int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials[id], e.closes[id], e.maxLive[id]
}

func master(id string) models.Account {
	return models.Account{
		ID:          id,
		Role:        models.RoleMaster,
		Credentials: models.Credentials{APIKey: id + "-key", APISecret: id + "-secret"},
		Active:      true,
	}
}

func slave(id string) models.Account {
	return models.Account{
		ID:             id,
		Role:           models.RoleSlave,
		Credentials:    models.Credentials{APIKey: id + "-key", APISecret: id + "-secret"},
		RiskPercentage: decimal.RequireFromString("0.02"),
		Active:         true,
	}
}

func fillFrame(side, qty, price string, orderID int) string {
	return fmt.Sprintf(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"BTCUSDT","S":%q,"o":"MARKET","q":%q,"ap":%q,"x":"TRADE","X":"FILLED","i":%d}}`,
		side, qty, price, orderID)
}

func testFill(qty, price string) models.NormalizedFill {
	return models.NormalizedFill{
		MasterID:  "master-1",
		OrderID:   "1",
		Symbol:    "BTCUSDT",
		Side:      models.SideBuy,
		Quantity:  decimal.RequireFromString(qty),
		AvgPrice:  decimal.RequireFromString(price),
		EventTime: time.Now(),
	}
}

// Result возвращает результат для slave аккаунта
func (r *ExecutionResult) Result(accountID string) (AccountResult, bool) {
	for _, res := range r.Results {
		if res.AccountID == accountID {
			return res, true
		}
	}
	return AccountResult{}, false
}
