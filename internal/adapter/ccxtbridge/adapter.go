// Package ccxtbridge implements the adapter.Adapter contract for
// exchanges not natively integrated (§6: any exchange name in
// feeds.json that isn't one of the five native adapters). It has no
// streaming transport of its own: Connect starts a REST poll loop and
// Subscribe/Unsubscribe only adjust which symbols that loop fetches.
// Confidence is capped below native-tier adapters since every value is
// a REST snapshot rather than a push update (tier multiplier, §4.6,
// already accounts for the CCXT-bridged discount; this caps the
// adapter-local score too so a single bridged source can't look as
// trustworthy as a native one before aggregation even applies the
// multiplier).
package ccxtbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// genericTicker is the minimal response shape this bridge expects from
// a CCXT-style unified REST ticker endpoint: {"last": "...", "bid":
// "...", "ask": "...", "baseVolume": "..."}. Concrete unlisted
// exchanges vary; operators configure baseURL per exchange id and this
// adapter assumes a CCXT-normalized proxy sits in front of it.
type genericTicker struct {
	Last       json.Number `json:"last"`
	Bid        json.Number `json:"bid"`
	Ask        json.Number `json:"ask"`
	BaseVolume json.Number `json:"baseVolume"`
	Timestamp  int64       `json:"timestamp"`
}

// Adapter polls a REST endpoint for every subscribed symbol on a fixed
// interval and pushes updates into its sink, standing in for any
// exchange the core has no native integration for.
type Adapter struct {
	*adapter.BaseState

	exchangeID string
	httpClient *http.Client
	baseURL    string
	sink       adapter.Sink

	pollInterval time.Duration
	limiter      *rate.Limiter

	mu            sync.Mutex
	subscriptions map[string]struct{}
	cancelPoll    context.CancelFunc
}

// NewAdapter builds a CCXT-bridged adapter for exchangeID, polling
// baseURL (a CCXT-unified ticker proxy) every pollInterval. Outbound
// REST calls are themselves throttled by a token-bucket limiter sized
// to one request per pollInterval with a small burst, so a feed with
// many symbols on one bridged exchange can't fan out a burst of
// simultaneous requests against an unknown per-exchange rate limit --
// the same budget-respecting role the teacher's infra/limits weight
// limiters play for its own REST scanning.
func NewAdapter(exchangeID, baseURL string, pollInterval time.Duration, sink adapter.Sink) *Adapter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Adapter{
		BaseState:     adapter.NewBaseState(10*time.Second, 5*time.Minute),
		exchangeID:    exchangeID,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		baseURL:       baseURL,
		sink:          sink,
		pollInterval:  pollInterval,
		limiter:       rate.NewLimiter(rate.Every(pollInterval), 3),
		subscriptions: make(map[string]struct{}),
	}
}

func (a *Adapter) Name() string              { return a.exchangeID }
func (a *Adapter) Category() domain.Category { return domain.Crypto }
func (a *Adapter) Tier() domain.Tier         { return domain.TierBridged }

func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{SupportsStream: false, SupportsREST: true, SupportsVolume: true}
}

// NormalizeSymbol/ToExchangeSymbol only upper-case the symbol: CCXT
// unified symbols already use the canonical BASE/QUOTE form.
func (a *Adapter) NormalizeSymbol(exchangeSymbol string) string { return strings.ToUpper(exchangeSymbol) }
func (a *Adapter) ToExchangeSymbol(canonical string) string     { return strings.ToUpper(canonical) }

func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == domain.Connected {
		return nil
	}
	a.SetState(a.exchangeID, domain.Connected) // polling has no handshake to fail
	log.Info().Str("venue", a.exchangeID).Str("mode", "ccxt-bridge").Msg("starting poll loop")

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancelPoll = cancel
	go a.pollLoop(pollCtx)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollAll(ctx)
		}
	}
}

func (a *Adapter) pollAll(ctx context.Context) {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.subscriptions))
	for s := range a.subscriptions {
		symbols = append(symbols, s)
	}
	a.mu.Unlock()

	for _, s := range symbols {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		update, err := a.FetchTickerREST(ctx, s)
		if err != nil {
			a.EmitError(a.exchangeID, domain.NewError(domain.ErrExchange, a.exchangeID, "pollAll", err).WithSource(a.exchangeID))
			continue
		}
		a.sink.Push(update)
	}
}

func (a *Adapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		a.subscriptions[a.ToExchangeSymbol(s)] = struct{}{}
	}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range symbols {
		delete(a.subscriptions, a.ToExchangeSymbol(s))
	}
	return nil
}

func (a *Adapter) FetchTickerREST(ctx context.Context, symbol string) (domain.PriceUpdate, error) {
	ex := a.ToExchangeSymbol(symbol)
	url := fmt.Sprintf("%s/ticker/%s", strings.TrimRight(a.baseURL, "/"), ex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, a.exchangeID, "FetchTickerREST", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrConnection, a.exchangeID, "FetchTickerREST", err).WithSource(a.exchangeID)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrRateLimit, a.exchangeID, "FetchTickerREST", fmt.Errorf("429")).WithSource(a.exchangeID)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrExchange, a.exchangeID, "FetchTickerREST", fmt.Errorf("status %d", resp.StatusCode)).WithSource(a.exchangeID)
	}

	var t genericTicker
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, a.exchangeID, "FetchTickerREST", err).WithSource(a.exchangeID)
	}

	price, err := adapter.ParsePrice(t.Last.String())
	if err != nil || price <= 0 {
		return domain.PriceUpdate{}, domain.NewError(domain.ErrParse, a.exchangeID, "FetchTickerREST", fmt.Errorf("invalid price")).WithSource(a.exchangeID)
	}
	bid, _ := strconv.ParseFloat(t.Bid.String(), 64)
	ask, _ := strconv.ParseFloat(t.Ask.String(), 64)
	volume, _ := strconv.ParseFloat(t.BaseVolume.String(), 64)

	ts := t.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	age := time.Since(time.UnixMilli(ts))
	conf := adapter.Confidence(bid, ask, price, volume, age) * 0.9

	return domain.PriceUpdate{
		Symbol:     symbol,
		Price:      price,
		Timestamp:  ts,
		Source:     a.exchangeID,
		Volume:     volume,
		HasVolume:  volume > 0,
		Confidence: conf,
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	var any string
	for s := range a.subscriptions {
		any = s
		break
	}
	a.mu.Unlock()
	if any == "" {
		return a.State() == domain.Connected
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := a.FetchTickerREST(reqCtx, any)
	return err == nil
}

func (a *Adapter) Close() error {
	if a.cancelPoll != nil {
		a.cancelPoll()
	}
	a.SetState(a.exchangeID, domain.Disconnected)
	return nil
}
