// Package marketdata supplies reference prices to the execution pipeline.
// The feed itself is a black box behind Provider; the pipeline only cares
// about the latest quote and its freshness.
package marketdata

import (
	"context"
	"time"

	"broker-core/internal/errs"
	"broker-core/internal/events"
	"broker-core/pkg/cache"
)

// Quote is a point-in-time reference price for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// Tick is the payload published on the price tick topic.
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Provider hands out reference prices. Implementations must be safe for
// concurrent use.
type Provider interface {
	ReferencePrice(ctx context.Context, symbol string) (Quote, error)
}

// CachedProvider serves quotes from the shared cache, fed by a price tick
// subscription. A quote older than the staleness window is treated as
// unavailable (retryable).
type CachedProvider struct {
	cache      *cache.ShardedQuoteCache
	staleAfter time.Duration
}

// NewCachedProvider subscribes to price ticks on the bus and keeps the
// latest quote per symbol.
func NewCachedProvider(ctx context.Context, bus *events.Bus, staleAfter time.Duration) *CachedProvider {
	p := &CachedProvider{
		cache:      cache.NewShardedQuoteCache(),
		staleAfter: staleAfter,
	}

	stream, unsub := bus.Subscribe(events.EventPriceTick, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if t, isTick := msg.(Tick); isTick {
					p.cache.Set(t.Symbol, t.Price, t.At)
				}
			}
		}
	}()
	return p
}

// ReferencePrice returns the latest quote for symbol, or a retryable
// REFERENCE_DATA_UNAVAILABLE error when missing or stale.
func (p *CachedProvider) ReferencePrice(_ context.Context, symbol string) (Quote, error) {
	price, at, ok := p.cache.Get(symbol)
	if !ok {
		return Quote{}, errs.Newf(errs.KindReferenceData, errs.ReasonStalePrice,
			"no reference price for %s", symbol)
	}
	if p.staleAfter > 0 && time.Since(at) > p.staleAfter {
		return Quote{}, errs.Newf(errs.KindReferenceData, errs.ReasonStalePrice,
			"reference price for %s is stale (age %v)", symbol, time.Since(at).Round(time.Millisecond))
	}
	return Quote{Symbol: symbol, Price: price, Time: at}, nil
}

// Observe lets tests and recovery paths seed the cache directly.
func (p *CachedProvider) Observe(symbol string, price float64, at time.Time) {
	p.cache.Set(symbol, price, at)
}
