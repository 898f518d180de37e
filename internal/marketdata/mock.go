package marketdata

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/events"
)

// MockFeed generates synthetic reference prices for local development.
type MockFeed struct {
	Bus        *events.Bus
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

// Start begins publishing random-walk ticks until the context is cancelled.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Warn("mock feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"AAPL"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 100.0
	}
	if m.Step == 0 {
		m.Step = 0.5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, sym := range m.Symbols {
					// simple random walk, floored above zero
					p := prices[sym] + (rand.Float64()*2-1)*m.Step
					if p < m.Step {
						p = m.Step
					}
					prices[sym] = p
					m.Bus.Publish(events.EventPriceTick, Tick{
						Symbol: sym,
						Price:  p,
						At:     time.Now(),
					})
				}
			}
		}
	}()
}
