package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"futures_copier/internal/exception"
	"futures_copier/internal/exchange"
	"futures_copier/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-api-secret"
)

var testAccount = models.Account{
	ID:          "slave-1",
	Role:        models.RoleSlave,
	Credentials: models.Credentials{APIKey: testKey, APISecret: testSecret},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBinance - минимальный fapi сервер для тестов
type fakeBinance struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server

	mu       sync.Mutex
	requests []string
}

func newFakeBinance(t *testing.T) *fakeBinance {
	t.Helper()

	f := &fakeBinance{t: t, mux: http.NewServeMux()}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeBinance) options() Options {
	return Options{
		BaseURL:           f.srv.URL,
		WSURL:             "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		RequestsPerSecond: 1000,
		HTTPTimeout:       2 * time.Second,
	}
}

func (f *fakeBinance) count(req string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.requests {
		if r == req {
			n++
		}
	}
	return n
}

// verifySignature проверяет HMAC подпись так же, как это делает биржа
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()

	raw := r.URL.RawQuery
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw = string(body)

		r.Body = io.NopCloser(strings.NewReader(raw))
		require.NoError(t, r.ParseForm())
	}

	idx := strings.LastIndex(raw, "&signature=")
	require.NotEqual(t, -1, idx, "missing signature in %q", raw)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(raw[:idx]))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), raw[idx+len("&signature="):])
	assert.Equal(t, testKey, r.Header.Get(apiKeyHeader))
	assert.Contains(t, raw, "recvWindow=")
	assert.Contains(t, raw, "timestamp=")
}

func TestDialVerifiesSessionAndReadsBalance(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	f.mux.HandleFunc("GET "+accountEndpoint, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		_, _ = io.WriteString(w, `{"totalWalletBalance":"0","availableBalance":"1234.5"}`)
	})

	c, err := Dial(context.Background(), f.options(), testAccount, discardLogger())
	require.NoError(t, err)
	defer c.Close()

	balance, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.5").Equal(balance), "fallback to availableBalance, got %s", balance)
	assert.Equal(t, 2, f.count("GET "+accountEndpoint))
}

func TestDialRejectsMissingCredentials(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), DefaultOptions(), models.Account{ID: "x"}, discardLogger())
	assert.ErrorIs(t, err, exception.ErrCredential)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid key", http.StatusUnauthorized, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, exception.ErrCredential},
		{"bad signature", http.StatusBadRequest, `{"code":-1022,"msg":"Signature for this request is not valid."}`, exception.ErrCredential},
		{"restricted", http.StatusBadRequest, `{"code":0,"msg":"Service unavailable from a restricted location"}`, exception.ErrRegionRestricted},
		{"legal", http.StatusUnavailableForLegalReasons, `{}`, exception.ErrRegionRestricted},
		{"server", http.StatusBadGateway, `oops`, exception.ErrTransientNetwork},
		{"throttled", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests"}`, exception.ErrTransientNetwork},
		{"rejected", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, exception.ErrOrderRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFakeBinance(t)
			f.mux.HandleFunc("POST "+orderEndpoint, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			c := NewClient(f.options(), "slave-1", testAccount.Credentials, discardLogger())
			defer c.Close()

			_, err := c.PlaceMarketOrder(context.Background(), exchange.MarketOrder{
				Symbol:   "BTCUSDT",
				Side:     models.SideBuy,
				Quantity: decimal.RequireFromString("0.002"),
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlaceMarketOrder(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	f.mux.HandleFunc("POST "+orderEndpoint, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		assert.Equal(t, "BTCUSDT", r.PostForm.Get("symbol"))
		assert.Equal(t, "SELL", r.PostForm.Get("side"))
		assert.Equal(t, "MARKET", r.PostForm.Get("type"))
		assert.Equal(t, "0.002", r.PostForm.Get("quantity"))
		assert.Equal(t, "SHORT", r.PostForm.Get("positionSide"))
		assert.Equal(t, "copy-1", r.PostForm.Get("newClientOrderId"))
		_, _ = io.WriteString(w, `{"orderId":42,"status":"FILLED","avgPrice":"50001.5","executedQty":"0.002"}`)
	})

	c := NewClient(f.options(), "slave-1", testAccount.Credentials, discardLogger())
	defer c.Close()

	res, err := c.PlaceMarketOrder(context.Background(), exchange.MarketOrder{
		Symbol:        "BTCUSDT",
		Side:          models.SideSell,
		Quantity:      decimal.RequireFromString("0.002"),
		PositionSide:  "SHORT",
		ClientOrderID: "copy-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", res.OrderID)
	assert.Equal(t, "FILLED", res.Status)
	assert.True(t, decimal.RequireFromString("50001.5").Equal(res.AvgPrice))
}

func TestDryRunSkipsOrderEndpoint(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	opts := f.options()
	opts.DryRun = true

	c := NewClient(opts, "slave-1", testAccount.Credentials, discardLogger())
	defer c.Close()

	res, err := c.PlaceMarketOrder(context.Background(), exchange.MarketOrder{
		Symbol:        "ETHUSDT",
		Side:          models.SideBuy,
		Quantity:      decimal.RequireFromString("0.011"),
		ClientOrderID: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", res.Status)
	assert.Equal(t, "dry-abc", res.OrderID)
	assert.Zero(t, f.count("POST "+orderEndpoint))
}

func TestPriceAndPositionMode(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	f.mux.HandleFunc("GET "+tickerPriceEndpoint, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `{"symbol":"ETHUSDT","price":"2000.10"}`)
	})
	f.mux.HandleFunc("GET "+positionSideEndpoint, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		_, _ = io.WriteString(w, `{"dualSidePosition":true}`)
	})

	c := NewClient(f.options(), "slave-1", testAccount.Credentials, discardLogger())
	defer c.Close()

	price, err := c.PriceOf(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "2000.1", price.String())

	mode, err := c.PositionMode(context.Background())
	require.NoError(t, err)
	assert.True(t, mode.Hedge)
}

func TestSymbolFiltersCached(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	f.mux.HandleFunc("GET "+exchangeInfoEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"symbols":[
			{"symbol":"BTCUSDT","quantityPrecision":3,"filters":[
				{"filterType":"LOT_SIZE","stepSize":"0.001"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}]},
			{"symbol":"DOGEUSDT","quantityPrecision":0,"filters":[
				{"filterType":"LOT_SIZE","stepSize":"1"},
				{"filterType":"MIN_NOTIONAL","notional":"5"}]},
			{"symbol":"1000PEPEUSDT","quantityPrecision":0,"filters":[
				{"filterType":"LOT_SIZE","stepSize":"10"}]}]}`)
	})

	c := NewClient(f.options(), "slave-1", testAccount.Credentials, discardLogger())
	defer c.Close()

	btc, err := c.SymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(3), btc.QuantityPrecision)
	assert.Equal(t, "100", btc.MinNotional.String())

	doge, err := c.SymbolFilters(context.Background(), "DOGEUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(0), doge.QuantityPrecision)
	assert.Equal(t, "1", doge.StepSize.String())

	pepe, err := c.SymbolFilters(context.Background(), "1000PEPEUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(0), pepe.QuantityPrecision)
	assert.Equal(t, "10", pepe.StepSize.String())

	_, err = c.SymbolFilters(context.Background(), "NOPE")
	assert.ErrorIs(t, err, exception.ErrSizingUnavailable)

	assert.Equal(t, 1, f.count("GET "+exchangeInfoEndpoint))
}

func TestStepPrecision(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(3), stepPrecision(decimal.RequireFromString("0.00100")))
	assert.Equal(t, int32(1), stepPrecision(decimal.RequireFromString("0.1")))
	assert.Equal(t, int32(0), stepPrecision(decimal.RequireFromString("1")))
	assert.Equal(t, int32(1), stepPrecision(decimal.RequireFromString("0.5")))
	assert.Equal(t, int32(0), stepPrecision(decimal.RequireFromString("10")))
}

func TestSubscribeFillsStream(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	upgrader := websocket.Upgrader{}
	var deleted atomic.Int32

	f.mux.HandleFunc("POST "+listenKeyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testKey, r.Header.Get(apiKeyHeader))
		_, _ = io.WriteString(w, `{"listenKey":"lk-1"}`)
	})
	f.mux.HandleFunc("DELETE "+listenKeyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lk-1", r.URL.Query().Get("listenKey"))
		deleted.Add(1)
		_, _ = io.WriteString(w, `{}`)
	})
	f.mux.HandleFunc("/ws/lk-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"X":"FILLED"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired"}`))

		// держим соединение, пока клиент не закроет его
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(f.options(), "master-1", testAccount.Credentials, discardLogger())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.SubscribeFills(ctx)
	require.NoError(t, err)

	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(ev.Payload), "ORDER_TRADE_UPDATE")

	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, exception.ErrSubscriptionClosed)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, int32(1), deleted.Load())
}

func TestRecvDetectsSilentPeer(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f.mux.HandleFunc("POST "+listenKeyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"listenKey":"lk-3"}`)
	})
	f.mux.HandleFunc("DELETE "+listenKeyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	f.mux.HandleFunc("/ws/lk-3", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// сервер не читает и не отвечает на ping, соединение не закрывается
		<-release
	})

	opts := f.options()
	opts.PingInterval = 20 * time.Millisecond
	opts.ReadTimeout = 150 * time.Millisecond

	c := NewClient(opts, "master-1", testAccount.Credentials, discardLogger())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.SubscribeFills(ctx)
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	_, err = sub.Recv(ctx)
	require.ErrorIs(t, err, exception.ErrTransientNetwork)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOptionsReadTimeoutExceedsPingInterval(t *testing.T) {
	t.Parallel()

	opts := Options{PingInterval: time.Second}.withDefaults()
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	opts = Options{PingInterval: time.Second, ReadTimeout: 10 * time.Second}.withDefaults()
	assert.Equal(t, 10*time.Second, opts.ReadTimeout)
}

func TestRecvHonoursContext(t *testing.T) {
	t.Parallel()

	f := newFakeBinance(t)
	upgrader := websocket.Upgrader{}

	f.mux.HandleFunc("POST "+listenKeyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"listenKey":"lk-2"}`)
	})
	f.mux.HandleFunc("DELETE "+listenKeyEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	f.mux.HandleFunc("/ws/lk-2", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(f.options(), "master-1", testAccount.Credentials, discardLogger())

	sub, err := c.SubscribeFills(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Close клиента закрывает и его потоки
	require.NoError(t, c.Close())
	_, err = sub.Recv(context.Background())
	assert.ErrorIs(t, err, exception.ErrSubscriptionClosed)
}
