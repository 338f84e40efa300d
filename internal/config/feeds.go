package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub002/internal/domain"
)

// feedRecord is the on-disk shape of one feeds.json entry (spec.md §6).
type feedRecord struct {
	Feed struct {
		Category int    `json:"category"`
		Name     string `json:"name"`
	} `json:"feed"`
	Sources []struct {
		Exchange string `json:"exchange"`
		Symbol   string `json:"symbol"`
	} `json:"sources"`
}

// FeedSet is the core's resolved view of feeds.json: one FeedConfig per
// feed, with primaries/backups split and perpetual-swap symbols
// filtered out.
type FeedSet struct {
	Feeds []domain.FeedConfig
}

// LoadFeedSet parses a feeds.json document. Unknown exchange names are
// tolerated (routed through the CCXT-bridged path with the exchange
// name used verbatim as the CCXT id, per §6); only the symbol-filtering
// rules are applied here. USDT/USD equivalence is applied at lookup
// time by FeedKey, not while loading.
func LoadFeedSet(path string) (*FeedSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed config: %w", err)
	}
	return ParseFeedSet(data)
}

// ParseFeedSet is the pure parsing/normalization step, split out so it
// can be exercised by a hot-reload handler without touching disk again.
func ParseFeedSet(data []byte) (*FeedSet, error) {
	var records []feedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse feed config: %w", err)
	}

	fs := &FeedSet{}
	for _, rec := range records {
		cat := domain.Category(rec.Feed.Category)
		fc := domain.FeedConfig{
			Feed: domain.FeedId{Category: cat, Name: rec.Feed.Name},
		}

		minSources := cat.MinSources()
		for i, src := range rec.Sources {
			if isFilteredSymbol(src.Symbol) {
				continue
			}
			ref := domain.SourceRef{Exchange: src.Exchange, Symbol: src.Symbol}
			// First minSources-worth of configured sources are treated
			// as primaries, the rest as backups -- feeds.json does not
			// separate them explicitly, so order in the file is the
			// priority order (§4.3: "ordered list of primary sources").
			if i < minSources {
				fc.Primaries = append(fc.Primaries, ref)
			} else {
				fc.Backups = append(fc.Backups, ref)
			}
		}

		fs.Feeds = append(fs.Feeds, fc)
	}
	return fs, nil
}

// isFilteredSymbol implements the §6 perpetual-swap filtering rule:
// symbols ending in ":USDT" are filtered, and any symbol containing ":"
// that doesn't match that simple pattern is also filtered.
func isFilteredSymbol(symbol string) bool {
	return strings.Contains(symbol, ":")
}

// NormalizeFeedName applies USDT<->USD equivalence at match time so that
// BASE/USDT and BASE/USD are considered the same feed (§6).
func NormalizeFeedName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 {
		return name
	}
	quote := parts[1]
	if quote == "USDT" {
		quote = "USD"
	}
	return parts[0] + "/" + quote
}

// FeedKey returns the canonical lookup key for a feed, collapsing the
// USDT/USD distinction.
func FeedKey(id domain.FeedId) string {
	return fmt.Sprintf("%s:%s", id.Category, NormalizeFeedName(id.Name))
}
