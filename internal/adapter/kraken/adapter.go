// Package kraken implements the adapter.Adapter contract for Kraken.
// Kraken's wsname uses its own asset codes (XBT for BTC) and a "/"
// separator: BTC/USD <-> XBT/USD.
package kraken

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

const exchangeName = "kraken"

var assetAliases = map[string]string{
	"BTC": "XBT",
	"DOGE": "XDG",
}

var reverseAliases = func() map[string]string {
	m := make(map[string]string, len(assetAliases))
	for k, v := range assetAliases {
		m[v] = k
	}
	return m
}()

// Adapter implements adapter.Adapter for Kraken.
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
		baseURL:       "https://api.kraken.com/0/public",
		wsURL:         "wss://ws.kraken.com",
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

// NormalizeSymbol converts XBT/USD -> BTC/USD.
func (a *Adapter) NormalizeSymbol(exchangeSymbol string) string {
	parts := strings.SplitN(strings.ToUpper(exchangeSymbol), "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(exchangeSymbol)
	}
	base, quote := parts[0], parts[1]
	if canon, ok := reverseAliases[base]; ok {
		base = canon
	}
	return base + "/" + quote
}

// ToExchangeSymbol converts BTC/USD -> XBT/USD.
func (a *Adapter) ToExchangeSymbol(canonical string) string {
	parts := strings.SplitN(strings.ToUpper(canonical), "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(canonical)
	}
	base, quote := parts[0], parts[1]
	if alias, ok := assetAliases[base]; ok {
		base = alias
	}
	return base + "/" + quote
}

func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == domain.Connected {
		return nil
	}
	a.SetState(exchangeName, domain.Connecting)
	log.Info().Str("venue", exchangeName).Msg("connecting")

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

	readCtx, cancel := context.WithCancel(ctx)
	a.cancelRead = cancel
	go a.readLoop(readCtx, conn)
	go a.heartbeat(readCtx)

	return nil
}

// heartbeat relies on transport ping/pong with a 30s period and 10s
// pong timeout, per §4.1 (Kraken has no explicit heartbeat frame on its
// public ticker feed, unlike Crypto.com).
func (a *Adapter) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			conn := a.wsConn
			a.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.EmitError(exchangeName, domain.NewError(domain.ErrTimeout, exchangeName, "heartbeat", err).WithSource(exchangeName))
			}
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(40 * time.Second)) // 30s ping + 10s pong timeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(40 * time.Second))
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

type krakenTickerData struct {
	Ask   []string `json:"a"`
	Bid   []string `json:"b"`
	Close []string `json:"c"`
	Vol   []string `json:"v"`
}

// parseTick handles Kraken's array-framed ticker messages:
// [channelID, data, "ticker", pair].
func (a *Adapter) parseTick(msg []byte) (*domain.PriceUpdate, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, nil // event/heartbeat messages are JSON objects, not arrays; ignore
	}
	if len(raw) < 4 {
		return nil, nil
	}

	var channelName string
	if err := json.Unmarshal(raw[len(raw)-2], &channelName); err != nil || channelName != "ticker" {
		return nil, nil
	}

	var pair string
	if err := json.Unmarshal(raw[len(raw)-1], &pair); err != nil {
		return nil, fmt.Errorf("kraken: missing pair")
	}

	var data krakenTickerData
	if err := json.Unmarshal(raw[1], &data); err != nil {
		return nil, fmt.Errorf("kraken: bad ticker payload: %w", err)
	}
	if len(data.Close) == 0 {
		return nil, fmt.Errorf("kraken: missing close price")
	}

	price, err := adapter.ParsePrice(data.Close[0])
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("kraken: invalid price %q", data.Close[0])
	}

	var bid, ask, volume float64
	if len(data.Bid) > 0 {
		bid = adapter.ParseOptionalPrice(data.Bid[0])
	}
	if len(data.Ask) > 0 {
		ask = adapter.ParseOptionalPrice(data.Ask[0])
	}
	if len(data.Vol) > 1 {
		volume = adapter.ParseOptionalPrice(data.Vol[1])
	}

	now := time.Now()
	conf := adapter.Confidence(bid, ask, price, volume, 0) // Kraken's ticker carries no per-tick timestamp

	return &domain.PriceUpdate{
		Symbol:     a.NormalizeSymbol(pair),
		Price:      price,
		Timestamp:  now.UnixMilli(),
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
		"event": "subscribe",
		"pair":  toAdd,
		"subscription": map[string]string{
			"name": "ticker",
		},
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
		"event": "unsubscribe",
		"pair":  toRemove,
		"subscription": map[string]string{
			"name": "ticker",
		},
	}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Unsubscribe", err).WithSource(exchangeName)
	}
	return nil
}

type krakenRESTResponse struct {
	Error  []string                     `json:"error"`
	Result map[string]krakenTickerData `json:"result"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	if err := a.WaitREST(ctx); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRequestTimeout, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	ex := strings.ReplaceAll(a.ToExchangeSymbol(symbol), "/", "")
	url := fmt.Sprintf("%s/Ticker?pair=%s", a.baseURL, ex)

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

	var parsed krakenRESTResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}
	if len(parsed.Error) > 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", fmt.Errorf("%v", parsed.Error)).WithSource(exchangeName)
	}

	for _, data := range parsed.Result {
		if len(data.Close) == 0 {
			continue
		}
		price, err := adapter.ParsePrice(data.Close[0])
		if err != nil || price <= 0 {
			continue
		}
		return domain.PriceUpdate{
			Symbol:     symbol,
			Price:      price,
			Timestamp:  time.Now().UnixMilli(),
			Source:     exchangeName,
			Confidence: 0.8,
		}, nil
	}

	return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", fmt.Errorf("empty result")).WithSource(exchangeName)
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
