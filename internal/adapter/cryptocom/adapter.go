// Package cryptocom implements the adapter.Adapter contract for
// Crypto.com Exchange. Symbol mapping uses its underscore separator:
// BTC/USDT <-> BTC_USDT. Crypto.com's public feed pushes explicit
// application-level heartbeats that must be echoed back within 5s or
// the connection is dropped server-side.
package cryptocom

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

const exchangeName = "crypto.com"

// Adapter implements adapter.Adapter for Crypto.com.
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
		baseURL:       "https://api.crypto.com/v2",
		wsURL:         "wss://stream.crypto.com/v2/market",
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

// NormalizeSymbol converts BTC_USDT -> BTC/USDT.
func (a *Adapter) NormalizeSymbol(exchangeSymbol string) string {
	return strings.ReplaceAll(strings.ToUpper(exchangeSymbol), "_", "/")
}

// ToExchangeSymbol converts BTC/USDT -> BTC_USDT.
func (a *Adapter) ToExchangeSymbol(canonical string) string {
	return strings.ReplaceAll(strings.ToUpper(canonical), "/", "_")
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

type cryptocomMsg struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Code   int             `json:"code"`
	Result struct {
		Channel    string          `json:"channel"`
		InstrumentName string      `json:"instrument_name"`
		Data       []cryptocomTick `json:"data"`
	} `json:"result"`
}

type cryptocomTick struct {
	InstrumentName string `json:"i"`
	Last           string `json:"a"`
	Bid            string `json:"b"`
	Ask            string `json:"k"`
	Volume         string `json:"v"`
	Timestamp      int64  `json:"t"`
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
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

		var m cryptocomMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			a.EmitError(exchangeName, domain.NewError(domain.ErrParse, exchangeName, "readLoop", err).WithSource(exchangeName))
			continue
		}

		if m.Method == "public/heartbeat" {
			a.respondHeartbeat(conn, m.ID)
			continue
		}
		if m.Result.Channel == "" || len(m.Result.Data) == 0 {
			continue
		}

		update, perr := a.parseTick(m.Result.Data[0])
		if perr != nil {
			a.EmitError(exchangeName, domain.NewError(domain.ErrParse, exchangeName, "parseTick", perr).WithSource(exchangeName))
			continue
		}
		if update != nil {
			a.sink.Push(*update)
		}
	}
}

// respondHeartbeat echoes back the heartbeat id, which Crypto.com
// requires within 5s of receipt or it tears down the connection.
func (a *Adapter) respondHeartbeat(conn *websocket.Conn, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	resp := map[string]interface{}{
		"id":     id,
		"method": "public/respond-heartbeat",
	}
	if err := conn.WriteJSON(resp); err != nil {
		a.EmitError(exchangeName, domain.NewError(domain.ErrTimeout, exchangeName, "respondHeartbeat", err).WithSource(exchangeName))
	}
}

func (a *Adapter) parseTick(t cryptocomTick) (*domain.PriceUpdate, error) {
	if t.Last == "" {
		return nil, fmt.Errorf("cryptocom: missing last price")
	}
	price, err := adapter.ParsePrice(t.Last)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("cryptocom: invalid price %q", t.Last)
	}
	bid := adapter.ParseOptionalPrice(t.Bid)
	ask := adapter.ParseOptionalPrice(t.Ask)
	volume := adapter.ParseOptionalPrice(t.Volume)

	ts := t.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	age := time.Since(time.UnixMilli(ts))
	conf := adapter.Confidence(bid, ask, price, volume, age)

	return &domain.PriceUpdate{
		Symbol:     a.NormalizeSymbol(t.InstrumentName),
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

	var channels []string
	for _, s := range symbols {
		ex := a.ToExchangeSymbol(s)
		if _, ok := a.subscriptions[ex]; ok {
			continue
		}
		channels = append(channels, "ticker."+ex)
		a.subscriptions[ex] = struct{}{}
	}
	if len(channels) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{
		"id":     time.Now().UnixNano(),
		"method": "subscribe",
		"params": map[string]interface{}{"channels": channels},
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

	var channels []string
	for _, s := range symbols {
		ex := a.ToExchangeSymbol(s)
		if _, ok := a.subscriptions[ex]; !ok {
			continue
		}
		channels = append(channels, "ticker."+ex)
		delete(a.subscriptions, ex)
	}
	if len(channels) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{
		"id":     time.Now().UnixNano(),
		"method": "unsubscribe",
		"params": map[string]interface{}{"channels": channels},
	}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Unsubscribe", err).WithSource(exchangeName)
	}
	return nil
}

type cryptocomRESTResponse struct {
	Code   int `json:"code"`
	Result struct {
		Data []struct {
			InstrumentName string `json:"i"`
			Last           string `json:"a"`
		} `json:"data"`
	} `json:"result"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	if err := a.WaitREST(ctx); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRequestTimeout, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	ex := a.ToExchangeSymbol(symbol)
	url := fmt.Sprintf("%s/public/get-ticker?instrument_name=%s", a.baseURL, ex)

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

	var parsed cryptocomRESTResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}
	if parsed.Code != 0 || len(parsed.Result.Data) == 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", fmt.Errorf("cryptocom error code %d", parsed.Code)).WithSource(exchangeName)
	}

	price, err := adapter.ParsePrice(parsed.Result.Data[0].Last)
	if err != nil || price <= 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", fmt.Errorf("invalid price")).WithSource(exchangeName)
	}

	return domain.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  time.Now().UnixMilli(),
		Source:     exchangeName,
		Confidence: 0.8,
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
