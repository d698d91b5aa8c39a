package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/agenda/agenda/internal/domain/scheduling"
)

type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests are let through while probing.
	HalfOpenRequests uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// BreakerPublisher stops calling a failing broker for a while, so a dead
// broker costs the engine a fast error instead of a timeout per booking.
type BreakerPublisher struct {
	next scheduling.Publisher
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerPublisher(next scheduling.Publisher, cfg BreakerConfig, logger zerolog.Logger) *BreakerPublisher {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("event publisher breaker changed state")
		},
	})
	return &BreakerPublisher{next: next, cb: cb}
}

// Publish returns gobreaker.ErrOpenState without calling the broker while
// the breaker is open.
func (p *BreakerPublisher) Publish(ctx context.Context, ev scheduling.Event) error {
	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.next.Publish(ctx, ev)
	})
	return err
}

func (p *BreakerPublisher) send(ctx context.Context, subject string, data []byte) error {
	s, ok := p.next.(sender)
	if !ok {
		return fmt.Errorf("publisher %T cannot send raw messages", p.next)
	}
	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.send(ctx, subject, data)
	})
	return err
}

func (p *BreakerPublisher) State() gobreaker.State {
	return p.cb.State()
}
