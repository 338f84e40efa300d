// Package okx implements the adapter.Adapter contract for OKX. Symbol
// mapping uses OKX's dash separator: BTC/USDT <-> BTC-USDT.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

const exchangeName = "okx"

// Adapter implements adapter.Adapter for OKX.
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
		baseURL:       "https://www.okx.com/api/v5",
		wsURL:         "wss://ws.okx.com:8443/ws/v5/public",
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

// NormalizeSymbol converts BTC-USDT -> BTC/USDT.
func (a *Adapter) NormalizeSymbol(exchangeSymbol string) string {
	return strings.ReplaceAll(strings.ToUpper(exchangeSymbol), "-", "/")
}

// ToExchangeSymbol converts BTC/USDT -> BTC-USDT.
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
	go a.pingLoop(readCtx, conn)

	return nil
}

// pingLoop sends OKX's required application-level "ping" text frame
// every 25s; the server replies with "pong" rather than a protocol pong.
func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			a.mu.Unlock()
			if err != nil {
				a.EmitError(exchangeName, domain.NewError(domain.ErrTimeout, exchangeName, "pingLoop", err).WithSource(exchangeName))
			}
		}
	}
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
		if string(msg) == "pong" {
			continue
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

type okxTickerMsg struct {
	Arg struct {
		Channel string `json:"channel"`
		InstId  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		InstId  string `json:"instId"`
		Last    string `json:"last"`
		BidPx   string `json:"bidPx"`
		AskPx   string `json:"askPx"`
		Vol24h  string `json:"vol24h"`
		TS      string `json:"ts"`
	} `json:"data"`
}

func (a *Adapter) parseTick(msg []byte) (*domain.PriceUpdate, error) {
	var t okxTickerMsg
	if err := json.Unmarshal(msg, &t); err != nil {
		return nil, nil // event/subscribe-ack messages aren't ticker payloads; ignore
	}
	if t.Arg.Channel != "tickers" || len(t.Data) == 0 {
		return nil, nil
	}
	d := t.Data[0]
	if d.Last == "" {
		return nil, fmt.Errorf("okx: missing last price")
	}

	price, err := adapter.ParsePrice(d.Last)
	if err != nil || price <= 0 {
		return nil, fmt.Errorf("okx: invalid price %q", d.Last)
	}
	bid := adapter.ParseOptionalPrice(d.BidPx)
	ask := adapter.ParseOptionalPrice(d.AskPx)
	volume := adapter.ParseOptionalPrice(d.Vol24h)

	ts := time.Now().UnixMilli()
	if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil && ms > 0 {
		ts = ms
	}
	age := time.Since(time.UnixMilli(ts))
	conf := adapter.Confidence(bid, ask, price, volume, age)

	return &domain.PriceUpdate{
		Symbol:     a.NormalizeSymbol(d.InstId),
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

	var args []map[string]string
	for _, s := range symbols {
		ex := a.ToExchangeSymbol(s)
		if _, ok := a.subscriptions[ex]; ok {
			continue
		}
		args = append(args, map[string]string{"channel": "tickers", "instId": ex})
		a.subscriptions[ex] = struct{}{}
	}
	if len(args) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{"op": "subscribe", "args": args}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Subscribe", err).WithSource(exchangeName)
	}
	a.Backoff.Reset()
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var args []map[string]string
	for _, s := range symbols {
		ex := a.ToExchangeSymbol(s)
		if _, ok := a.subscriptions[ex]; !ok {
			continue
		}
		args = append(args, map[string]string{"channel": "tickers", "instId": ex})
		delete(a.subscriptions, ex)
	}
	if len(args) == 0 || a.wsConn == nil {
		return nil
	}
	msg := map[string]interface{}{"op": "unsubscribe", "args": args}
	if err := a.wsConn.WriteJSON(msg); err != nil {
		return domain.NewError(domain.ErrExchange, exchangeName, "Unsubscribe", err).WithSource(exchangeName)
	}
	return nil
}

type okxRESTResponse struct {
	Code string `json:"code"`
	Data []struct {
		InstId string `json:"instId"`
		Last   string `json:"last"`
	} `json:"data"`
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	if err := a.WaitREST(ctx); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRequestTimeout, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}

	ex := a.ToExchangeSymbol(symbol)
	url := fmt.Sprintf("%s/market/ticker?instId=%s", a.baseURL, ex)

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

	var parsed okxRESTResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, exchangeName, "FetchTickerREST", err).WithSource(exchangeName)
	}
	if parsed.Code != "0" || len(parsed.Data) == 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, exchangeName, "FetchTickerREST", fmt.Errorf("okx error code %s", parsed.Code)).WithSource(exchangeName)
	}

	price, err := adapter.ParsePrice(parsed.Data[0].Last)
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
