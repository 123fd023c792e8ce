package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"
	"futures_copier/internal/httpmiddleware"
	"futures_copier/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://fapi.binance.com"
	DefaultWSURL   = "wss://fstream.binance.com"

	// API endpoints
	accountEndpoint      = "/fapi/v2/account"
	tickerPriceEndpoint  = "/fapi/v1/ticker/price"
	orderEndpoint        = "/fapi/v1/order"
	positionSideEndpoint = "/fapi/v1/positionSide/dual"
	exchangeInfoEndpoint = "/fapi/v1/exchangeInfo"
	listenKeyEndpoint    = "/fapi/v1/listenKey"

	apiKeyHeader = "X-MBX-APIKEY"
)

// Options - параметры подключения к Binance USDⓈ-M futures
type Options struct {
	BaseURL           string
	WSURL             string
	RecvWindow        time.Duration
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	KeepAliveInterval time.Duration // продление listen key
	PingInterval      time.Duration
	ReadTimeout       time.Duration // без кадров и pong дольше этого поток считается мертвым
	DryRun            bool
	LogBodies         bool
}

// DefaultOptions возвращает боевые значения
func DefaultOptions() Options {
	return Options{
		BaseURL:           DefaultBaseURL,
		WSURL:             DefaultWSURL,
		RecvWindow:        5 * time.Second,
		RequestsPerSecond: 10,
		HTTPTimeout:       15 * time.Second,
		KeepAliveInterval: 30 * time.Minute,
		PingInterval:      time.Minute,
		ReadTimeout:       3 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.BaseURL == "" {
		o.BaseURL = def.BaseURL
	}
	if o.WSURL == "" {
		o.WSURL = def.WSURL
	}
	if o.RecvWindow <= 0 {
		o.RecvWindow = def.RecvWindow
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = def.RequestsPerSecond
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = def.HTTPTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = def.KeepAliveInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = 3 * o.PingInterval
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	o.WSURL = strings.TrimRight(o.WSURL, "/")
	return o
}

// Client - клиент Binance futures для одного аккаунта
type Client struct {
	opts       Options
	creds      models.Credentials
	accountID  string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	filtersMu sync.Mutex
	filters   map[string]exchange.SymbolFilters

	streamsMu sync.Mutex
	streams   map[*stream]struct{}
	closed    bool
}

var (
	_ exchange.Client         = (*Client)(nil)
	_ exchange.FilterProvider = (*Client)(nil)
)

// NewClient создает клиента без проверки ключей
func NewClient(opts Options, accountID string, creds models.Credentials, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	logger = logger.With(slog.String("account", accountID))

	bodySize := 0
	if opts.LogBodies {
		bodySize = -1
	}

	httpClient := &http.Client{
		Timeout: opts.HTTPTimeout,
		Transport: httpmiddleware.Wrap(
			httpmiddleware.DefaultTransport(),
			httpmiddleware.RequestGetBodySetter,
			httpmiddleware.RateLimit(rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)),
			httpmiddleware.Logger(logger, bodySize),
		),
	}

	return &Client{
		opts:       opts,
		creds:      creds,
		accountID:  accountID,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		filters:    make(map[string]exchange.SymbolFilters),
		streams:    make(map[*stream]struct{}),
	}
}

// Dial создает клиента и проверяет сессию запросом аккаунта
func Dial(ctx context.Context, opts Options, account models.Account, logger *slog.Logger) (*Client, error) {
	if account.Credentials.IsEmpty() {
		return nil, fmt.Errorf("%w: account %s has no api key", exception.ErrCredential, account.ID)
	}

	c := NewClient(opts, account.ID, account.Credentials, logger)
	if _, err := c.Balance(ctx); err != nil {
		c.httpClient.CloseIdleConnections()
		return nil, fmt.Errorf("verify session: %w", err)
	}

	c.logger.Info("✅ Binance session verified", slog.Bool("dry_run", c.opts.DryRun))

	return c, nil
}

// NewDialer возвращает exchange.Dialer, открывающий Binance сессии
func NewDialer(opts Options, logger *slog.Logger) exchange.Dialer {
	return exchange.DialerFunc(func(ctx context.Context, account models.Account) (exchange.Client, error) {
		return Dial(ctx, opts, account, logger)
	})
}

// Balance возвращает totalWalletBalance, а если он нулевой - availableBalance
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	var resp accountResponse
	if err := c.doSigned(ctx, http.MethodGet, accountEndpoint, url.Values{}, exception.ErrSizingUnavailable, &resp); err != nil {
		return decimal.Zero, err
	}

	if resp.TotalWalletBalance.IsPositive() {
		return resp.TotalWalletBalance, nil
	}

	return resp.AvailableBalance, nil
}

// PriceOf возвращает последнюю цену символа
func (c *Client) PriceOf(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp tickerPriceResponse
	if err := c.doPublic(ctx, tickerPriceEndpoint, params, &resp); err != nil {
		return decimal.Zero, err
	}

	return resp.Price, nil
}

// PlaceMarketOrder размещает рыночный ордер
func (c *Client) PlaceMarketOrder(ctx context.Context, order exchange.MarketOrder) (exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", order.Quantity.String())
	params.Set("newOrderRespType", "RESULT")
	if order.PositionSide != "" {
		params.Set("positionSide", order.PositionSide)
	}
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}

	if c.opts.DryRun {
		c.logger.Info("🧪 Dry run order",
			slog.String("symbol", order.Symbol),
			slog.String("side", string(order.Side)),
			slog.String("quantity", order.Quantity.String()),
			slog.String("position_side", order.PositionSide))

		return exchange.OrderResult{
			OrderID: "dry-" + order.ClientOrderID,
			Status:  "FILLED",
		}, nil
	}

	var resp orderResponse
	if err := c.doSigned(ctx, http.MethodPost, orderEndpoint, params, exception.ErrOrderRejected, &resp); err != nil {
		c.logger.Error("PlaceMarketOrder failed",
			slog.String("symbol", order.Symbol),
			slog.Any("error", err))

		return exchange.OrderResult{}, err
	}

	c.logger.Info("✅ PlaceMarketOrder success",
		slog.String("symbol", order.Symbol),
		slog.Int64("orderId", resp.OrderID),
		slog.String("status", resp.Status))

	return exchange.OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		AvgPrice: resp.AvgPrice,
		Status:   resp.Status,
	}, nil
}

// PositionMode сообщает, включен ли hedge режим
func (c *Client) PositionMode(ctx context.Context) (exchange.PositionMode, error) {
	var resp positionModeResponse
	if err := c.doSigned(ctx, http.MethodGet, positionSideEndpoint, url.Values{}, exception.ErrOrderRejected, &resp); err != nil {
		return exchange.PositionMode{}, err
	}

	return exchange.PositionMode{Hedge: resp.DualSidePosition}, nil
}

// SymbolFilters возвращает точность количества и min notional символа.
// exchangeInfo загружается один раз на клиента.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	c.filtersMu.Lock()
	f, ok := c.filters[symbol]
	loaded := len(c.filters) > 0
	c.filtersMu.Unlock()

	if ok {
		return f, nil
	}
	if loaded {
		return exchange.SymbolFilters{}, fmt.Errorf("%w: unknown symbol %s", exception.ErrSizingUnavailable, symbol)
	}

	var resp exchangeInfoResponse
	if err := c.doPublic(ctx, exchangeInfoEndpoint, nil, &resp); err != nil {
		return exchange.SymbolFilters{}, err
	}

	parsed := make(map[string]exchange.SymbolFilters, len(resp.Symbols))
	for _, s := range resp.Symbols {
		parsed[s.Symbol] = s.toFilters()
	}

	c.filtersMu.Lock()
	c.filters = parsed
	c.filtersMu.Unlock()

	f, ok = parsed[symbol]
	if !ok {
		return exchange.SymbolFilters{}, fmt.Errorf("%w: unknown symbol %s", exception.ErrSizingUnavailable, symbol)
	}

	return f, nil
}

func (s symbolInfo) toFilters() exchange.SymbolFilters {
	out := exchange.SymbolFilters{QuantityPrecision: s.QuantityPrecision}
	for _, f := range s.Filters {
		switch f.FilterType {
		case filterLotSize:
			if f.StepSize.IsPositive() {
				out.QuantityPrecision = stepPrecision(f.StepSize)
				out.StepSize = f.StepSize
			}
		case filterMinNotional:
			out.MinNotional = f.Notional
		}
	}
	return out
}

// stepPrecision: 0.001 -> 3, 0.5 -> 1, 10 -> 0. Кратность шагу обеспечивает sizer.
func stepPrecision(step decimal.Decimal) int32 {
	str := step.String()
	if i := strings.IndexByte(str, '.'); i >= 0 {
		return int32(len(str) - i - 1)
	}
	return 0
}

// Close закрывает все открытые потоки и соединения клиента
func (c *Client) Close() error {
	c.streamsMu.Lock()
	c.closed = true
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.streamsMu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}

	c.httpClient.CloseIdleConnections()

	return errors.Join(errs...)
}

func (c *Client) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.opts.RecvWindow.Milliseconds(), 10))

	payload := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	mac.Write([]byte(payload))

	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values, fallback error, out any) error {
	payload := c.sign(params)

	var (
		req *http.Request
		err error
	)

	if method == http.MethodGet || method == http.MethodDelete {
		req, err = http.NewRequestWithContext(ctx, method, c.opts.BaseURL+endpoint+"?"+payload, http.NoBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.opts.BaseURL+endpoint, strings.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", exception.ErrInternalInvariant, endpoint, err)
	}

	req.Header.Set(apiKeyHeader, c.creds.APIKey)

	return c.do(req, endpoint, fallback, out)
}

func (c *Client) doPublic(ctx context.Context, endpoint string, params url.Values, out any) error {
	target := c.opts.BaseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", exception.ErrInternalInvariant, endpoint, err)
	}

	return c.do(req, endpoint, exception.ErrSizingUnavailable, out)
}

// doKeyed - запросы listen key: только api key, без подписи
func (c *Client) doKeyed(ctx context.Context, method string, params url.Values, out any) error {
	target := c.opts.BaseURL + listenKeyEndpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: build request listenKey: %v", exception.ErrInternalInvariant, err)
	}
	req.Header.Set(apiKeyHeader, c.creds.APIKey)

	return c.do(req, listenKeyEndpoint, exception.ErrTransientNetwork, out)
}

func (c *Client) do(req *http.Request, op string, fallback error, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(req.Context(), op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(req.Context(), op, err)
	}

	if resp.StatusCode >= 300 {
		return classifyResponse(op, resp.StatusCode, body, fallback)
	}

	if out == nil || len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", exception.ErrTransientNetwork, op, err)
	}

	return nil
}

func (c *Client) track(s *stream) bool {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()

	if c.closed {
		return false
	}
	c.streams[s] = struct{}{}
	return true
}

func (c *Client) untrack(s *stream) {
	c.streamsMu.Lock()
	delete(c.streams, s)
	c.streamsMu.Unlock()
}
