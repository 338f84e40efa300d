// Package binance implements the adapter.Adapter contract for Binance
// spot. Symbol mapping follows Binance's no-separator convention:
// BTC/USDT <-> BTCUSDT.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

const exchangeName = "binance"

// Adapter implements adapter.Adapter for Binance.
type Adapter struct {
	*adapter.BaseState

	httpClient *http.Client
	baseURL    string
	wsURL      string

	sink adapter.Sink

	mu            sync.Mutex
	wsConn        *websocket.Conn
	subscriptions map[string]struct{}

	cancelRead context.CancelFunc
}

// NewAdapter builds a Binance adapter feeding updates into sink.
func NewAdapter(sink adapter.Sink) *Adapter {
	return &Adapter{
		BaseState:     adapter.NewBaseState(5*time.Second, 5*time.Minute),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		baseURL:       "https://api.binance.com/api/v3",
		wsURL:         "wss://stream.binance.com:9443/stream",
		sink:          sink,
		subscriptions: make(map[string]struct{}),
	}
}

func (a *Adapter) Name() string             { return exchangeName }
func (a *Adapter) Category() domain.Category { return domain.Crypto }
func (a *Adapter) Tier() domain.Tier         { return domain.TierNative }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsStream: true, SupportsREST: true, SupportsVolume: true}
}

// NormalizeSymbol converts BTCUSDT -> BTC/USDT. Binance provides no
// separator, so we split on well-known quote-asset suffixes.
func (a *Adapter) NormalizeSymbol(exchangeSymbol string) string {
	s := strings.ToUpper(exchangeSymbol)
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "/" + quote
		}
	}
	return s
}

// ToExchangeSymbol converts BTC/USDT -> BTCUSDT.
func (a *Adapter) ToExchangeSymbol(canonical string) string {
	return strings.ReplaceAll(strings.ToUpper(canonical), "/", "")
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == domain.Connected {
		return nil // idempotent
	}
	a.SetState(exchangeName, domain.Connecting)
	log.Info().Str("venue", exchangeName).Str("url", a.wsURL).Msg("connecting")

	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		a.SetState(exchangeName, domain.Disconnected)
		ce := domain.NewError(domain.ErrConnection, exchangeName, "Connect", err).WithSource(exchangeName)
		a.EmitError(exchangeName, ce)
		return ce
	}

	a.mu.Lock()
	a.wsConn = conn
	a.mu.Unlock()

	a.SetState(exchangeName, domain.Connected)
	a.Backoff.Reset()
	log.Info().Str("venue", exchangeName).Msg("connected")

	readCtx, cancel := context.WithCancel(ctx)
	a.cancelRead = cancel
	go a.readLoop(readCtx, conn)

	return nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	// 40s read deadline, pushed forward by every message and every pong.
	// This adapter sends no pings of its own.
	conn.SetReadDeadline(time.Now().Add(40 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(40 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			a.SetState(exchangeName, domain.Reconnecting)
			ce := domain.NewError(domain.ErrConnection, exchangeName, "readLoop", err).WithSource(exchangeName)
			a.EmitError(exchangeName, ce)
			log.Warn().Str("venue", exchangeName).Err(err).Msg("read loop ended, reconnecting")
			return
		}
		conn.SetReadDeadline(time.Now().Add(40 * time.Second))

		update, perr := a.parseTick(msg)
		if perr != nil {
			a.EmitError(exchangeName, domain.NewError(domain.ErrParse, exchangeName, "parseTick", perr).WithSource(exchangeName))
			continue
		}
		if update != nil {
			a.sink.Push(*update)
		}
	}
}

type binanceMiniTicker struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Bid       string `json:"b,omitempty"`
		Ask       string `json:"a,omitempty"`
	} `json:"data"`
}

func (a *Adapter) parseTick(msg []byte) (*domain.PriceUpdate, error) {
	var t binanceMiniTicker
	if err := json.Unmarshal(msg, &t); err != nil {
		return nil, err
	}
	if t.Data.Symbol == "" || t.Data.Close == "" {
		return nil, fmt.Errorf("binance: missing symbol or price field")
	}

	price, err := adapter.ParsePrice(t.Data.Close)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("binance: invalid price %q", t.Data.Close)
	}
	volume := adapter.ParseOptionalPrice(t.Data.Volume)
	bid := adapter.ParseOptionalPrice(t.Data.Bid)
	ask := adapter.ParseOptionalPrice(t.Data.Ask)

	ts := t.Data.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	age := time.Since(time.UnixMilli(ts))
	conf := adapter.Confidence(bid, ask, price, volume, age)

	return &domain.PriceUpdate{
		Symbol:     a.NormalizeSymbol(t.Data.Symbol),
		Price:      price,
		Timestamp:  ts,
		Source:     exchangeName,
		Volume:     volume,
		HasVolume:  volume > 0,
		Confidence: conf,
	}, nil
}

func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var toAdd []string
	for _, s := range symbols {
		ex := strings.ToLower(a.ToExchangeSymbol(s))
		if _, ok := a.subscriptions[ex]; ok {
			continue // idempotent: already subscribed
		}
		toAdd = append(toAdd, ex+"@miniTicker")
		a.subscriptions[ex] = struct{}{}
	}
	if len(toAdd) == 0 || a.wsConn == nil {
		return nil
	}

	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": toAdd,
		"id":     time.Now().UnixNano(),
	}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Subscribe", err).WithSource(exchangeName)
	}
	a.Backoff.Reset()
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var toRemove []string
	for _, s := range symbols {
		ex := strings.ToLower(a.ToExchangeSymbol(s))
		if _, ok := a.subscriptions[ex]; !ok {
			continue // idempotent: wasn't subscribed
		}
		toRemove = append(toRemove, ex+"@miniTicker")
		delete(a.subscriptions, ex)
	}
	if len(toRemove) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": toRemove,
		"id":     time.Now().UnixNano(),
	}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Unsubscribe", err).WithSource(exchangeName)
	}
	return nil
}

type binanceRESTTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	if err := a.WaitREST(ctx); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRequestTimeout, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	ex := a.ToExchangeSymbol(symbol)
	url := fmt.Sprintf("%s/ticker/price?symbol=%s", a.baseURL, ex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrConnection, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrConnection, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRateLimit, exchangeName, "FetchTickerREST", fmt.Errorf("429")).WithSource(exchangeName)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", fmt.Errorf("status %d", resp.StatusCode)).WithSource(exchangeName)
	}

	var t binanceRESTTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	price, err := adapter.ParsePrice(t.Price)
	if err != nil || price <= 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", fmt.Errorf("invalid price")).WithSource(exchangeName)
	}

	return domain.PriceUpdate{
		Symbol:     a.NormalizeSymbol(t.Symbol),
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Source:     exchangeName,
		Confidence: 0.8, // REST fallback has no spread/volume data to score from
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.State() == domain.Connected {
		return true
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := a.FetchTickerREST(reqCtx, "BTC/USDT")
	return err == nil
}

func (a *Adapter) Close() error {
	if a.cancelRead != nil {
		a.cancelRead()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wsConn != nil {
		err := a.wsConn.Close()
		a.wsConn = nil
		a.SetState(exchangeName, domain.Disconnected)
		return err
	}
	return nil
}

