// Package coinbase implements the adapter.Adapter contract for Coinbase
// Exchange. Symbol mapping uses its dash separator: BTC/USD <-> BTC-USD.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

const exchangeName = "coinbase"

// Adapter implements adapter.Adapter for Coinbase.
type Adapter struct {
	*adapter.BaseState

	httpClient *http.Client
	baseURL    string
	wsURL      string
	sink       adapter.Sink

	mu            sync.Mutex
	wsConn        *websocket.Conn
	subscriptions map[string]struct{}
	cancelRead    context.CancelFunc
}

func NewAdapter(sink adapter.Sink) *Adapter {
	return &Adapter{
		BaseState:     adapter.NewBaseState(5*time.Second, 5*time.Minute),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		baseURL:       "https://api.exchange.coinbase.com",
		wsURL:         "wss://ws-feed.exchange.coinbase.com",
		sink:          sink,
		subscriptions: make(map[string]struct{}),
	}
}

func (a *Adapter) Name() string              { return exchangeName }
func (a *Adapter) Category() domain.Category { return domain.Crypto }
func (a *Adapter) Tier() domain.Tier         { return domain.TierNative }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsStream: true, SupportsREST: true, SupportsVolume: true}
}

// NormalizeSymbol converts BTC-USD -> BTC/USD.
func (a *Adapter) NormalizeSymbol(exchangeSymbol string) string {
	return strings.ReplaceAll(strings.ToUpper(exchangeSymbol), "-", "/")
}

// ToExchangeSymbol converts BTC/USD -> BTC-USD.
func (a *Adapter) ToExchangeSymbol(canonical string) string {
	return strings.ReplaceAll(strings.ToUpper(canonical), "/", "-")
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == domain.Connected {
		return nil
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
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
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
			a.EmitError(exchangeName, domain.NewError(domain.ErrConnection, exchangeName, "readLoop", err).WithSource(exchangeName))
			log.Warn().Str("venue", exchangeName).Err(err).Msg("read loop ended, reconnecting")
			return
		}
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

type coinbaseTickerMsg struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

func (a *Adapter) parseTick(msg []byte) (*domain.PriceUpdate, error) {
	var t coinbaseTickerMsg
	if err := json.Unmarshal(msg, &t); err != nil {
		return nil, err
	}
	if t.Type != "ticker" {
		return nil, nil // subscriptions acks, heartbeats, errors
	}
	if t.Price == "" || t.ProductID == "" {
		return nil, fmt.Errorf("coinbase: missing price or product id")
	}

	price, err := adapter.ParsePrice(t.Price)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("coinbase: invalid price %q", t.Price)
	}
	bid := adapter.ParseOptionalPrice(t.BestBid)
	ask := adapter.ParseOptionalPrice(t.BestAsk)
	volume := adapter.ParseOptionalPrice(t.Volume24h)

	ts := time.Now()
	if parsed, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
		ts = parsed
	}
	age := time.Since(ts)
	conf := adapter.Confidence(bid, ask, price, volume, age)

	return &domain.PriceUpdate{
		Symbol:     a.NormalizeSymbol(t.ProductID),
		Price:      price,
		Timestamp:  ts.UnixMilli(),
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
		ex := a.ToExchangeSymbol(s)
		if _, ok := a.subscriptions[ex]; ok {
			continue
		}
		toAdd = append(toAdd, ex)
		a.subscriptions[ex] = struct{}{}
	}
	if len(toAdd) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": toAdd,
		"channels":    []string{"ticker"},
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
		ex := a.ToExchangeSymbol(s)
		if _, ok := a.subscriptions[ex]; !ok {
			continue
		}
		toRemove = append(toRemove, ex)
		delete(a.subscriptions, ex)
	}
	if len(toRemove) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{
		"type":        "unsubscribe",
		"product_ids": toRemove,
		"channels":    []string{"ticker"},
	}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Unsubscribe", err).WithSource(exchangeName)
	}
	return nil
}

type coinbaseRESTTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	if err := a.WaitREST(ctx); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRequestTimeout, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	ex := a.ToExchangeSymbol(symbol)
	url := fmt.Sprintf("%s/products/%s/ticker", a.baseURL, ex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrConnection, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRateLimit, exchangeName, "FetchTickerREST", fmt.Errorf("429")).WithSource(exchangeName)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", fmt.Errorf("status %d", resp.StatusCode)).WithSource(exchangeName)
	}

	var t coinbaseRESTTicker
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	price, err := adapter.ParsePrice(t.Price)
	if err != nil || price <= 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", fmt.Errorf("invalid price")).WithSource(exchangeName)
	}
	volume := adapter.ParseOptionalPrice(t.Volume)

	return domain.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Source:     exchangeName,
		Volume:     volume,
		HasVolume:  volume > 0,
		Confidence: 0.8,
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	if a.State() == domain.Connected {
		return true
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := a.FetchTickerREST(reqCtx, "BTC/USD")
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
