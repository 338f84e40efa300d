// Package health implements C9: an in-process pub/sub event bus
// aggregating source, aggregation and accuracy signals into rate
// limited alerts. Simplified from the teacher's stream.EventBus
// (internal/stream/bus.go) — no brokers, partitions or topics-as-admin-
// objects, just subscribable channels, since every subscriber here
// lives in the same process (§4.9).
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/config"
)

// Alert is one rate-limited notification (§4.9's operational signal
// envelope).
type Alert struct {
	RuleID    string
	Severity  string
	Title     string
	Message   string
	Timestamp time.Time
	SourceID  string
	FeedID    string
}

type ruleState struct {
	lastEmit   time.Time
	hourWindow time.Time
	hourCount  int
	rateLimitNoted bool
}

// Bus is the in-process publish/subscribe hub. Publish is rate-limited
// per rule id; delivery is a non-blocking send to each subscriber's
// buffered channel, so one slow consumer cannot stall another.
type Bus struct {
	cfg *config.HealthBusConfig

	mu    sync.Mutex
	rules map[string]*ruleState

	subMu sync.Mutex
	subs  []chan Alert
}

func NewBus(cfg *config.HealthBusConfig) *Bus {
	return &Bus{cfg: cfg, rules: make(map[string]*ruleState)}
}

// Subscribe returns a buffered channel of alerts. Callers should drain
// it promptly; when the channel is full the new alert is dropped for
// that one subscriber rather than blocking publication.
func (b *Bus) Subscribe() <-chan Alert {
	ch := make(chan Alert, 64)
	b.subMu.Lock()
	b.subs = append(b.subs, ch)
	b.subMu.Unlock()
	return ch
}

// Publish emits alert, subject to the per-rule cooldown and per-hour
// cap (§4.9). Alerts exceeding the cap are dropped and replaced, once
// per window, by a single "rate-limited" meta-alert.
func (b *Bus) Publish(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	b.mu.Lock()
	rs, ok := b.rules[alert.RuleID]
	if !ok {
		rs = &ruleState{}
		b.rules[alert.RuleID] = rs
	}

	now := alert.Timestamp
	if now.Sub(rs.hourWindow) >= time.Hour {
		rs.hourWindow = now
		rs.hourCount = 0
		rs.rateLimitNoted = false
	}

	if !rs.lastEmit.IsZero() && now.Sub(rs.lastEmit) < b.cfg.AlertCooldown {
		b.mu.Unlock()
		return // within cooldown: silently suppressed, per §4.9
	}

	if rs.hourCount >= b.cfg.AlertHourCap {
		alreadyNoted := rs.rateLimitNoted
		rs.rateLimitNoted = true
		b.mu.Unlock()
		if !alreadyNoted {
			b.deliver(Alert{
				RuleID:    alert.RuleID + ".rate_limited",
				Severity:  "MEDIUM",
				Title:     "alert rate-limited",
				Message:   "per-hour cap reached for rule " + alert.RuleID,
				Timestamp: now,
			})
		}
		return
	}

	rs.lastEmit = now
	rs.hourCount++
	b.mu.Unlock()

	log.Warn().Str("rule", alert.RuleID).Str("severity", alert.Severity).Str("source", alert.SourceID).Str("feed", alert.FeedID).Msg(alert.Title)
	b.deliver(alert)
}

func (b *Bus) deliver(alert Alert) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- alert:
		default:
			// subscriber is behind; drop for this one rather than
			// blocking every other subscriber's delivery.
		}
	}
}
