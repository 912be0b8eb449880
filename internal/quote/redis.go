package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedSource wraps a Source with a Redis TTL cache. Cache errors are
// logged and fall through to the wrapped source.
type CachedSource struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
}

// NewCachedSource creates a cached wrapper around source.
func NewCachedSource(source Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{source: source, rdb: rdb, ttl: ttl}
}

func (s *CachedSource) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if raw, err := s.rdb.Get(ctx, priceKey(symbol)).Result(); err == nil {
		if p, err := decimal.NewFromString(raw); err == nil {
			return p, nil
		}
	} else if err != redis.Nil {
		slog.Warn("quote cache read failed", "symbol", symbol, "err", err)
	}

	p, err := s.source.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, priceKey(symbol), p.String(), s.ttl)
	return p, nil
}

func (s *CachedSource) OptionQuote(ctx context.Context, contractSymbol string) (OptionQuote, error) {
	if data, err := s.rdb.Get(ctx, optionKey(contractSymbol)).Bytes(); err == nil {
		var q OptionQuote
		if json.Unmarshal(data, &q) == nil {
			return q, nil
		}
	}

	q, err := s.source.OptionQuote(ctx, contractSymbol)
	if err != nil {
		return OptionQuote{}, err
	}
	if data, err := json.Marshal(q); err == nil {
		s.rdb.Set(ctx, optionKey(contractSymbol), data, s.ttl)
	}
	return q, nil
}

func priceKey(symbol string) string  { return fmt.Sprintf("papertrade:quote:%s", symbol) }
func optionKey(symbol string) string { return fmt.Sprintf("papertrade:option-quote:%s", symbol) }
