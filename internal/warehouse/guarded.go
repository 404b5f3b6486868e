package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/psycop-feature-generation/internal/domain"
)

// Guarded applies a rate limit, a per-query timeout and a circuit breaker to a
// Querier. An open breaker fails fast with domain.ErrWarehouseUnavailable; failed
// queries are never retried.
type Guarded struct {
	inner   Querier
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	log     *logrus.Logger
}

var _ Querier = (*Guarded)(nil)

// NewGuarded wraps inner according to the warehouse configuration
func NewGuarded(inner Querier, cfg domain.WarehouseConfig, logger *logrus.Logger) *Guarded {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := &Guarded{inner: inner, timeout: cfg.QueryTimeout, log: logger}

	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	if cfg.BreakerEnabled {
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "warehouse",
			MaxRequests: 1,
			Interval:    5 * time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker changed state")
			},
		})
	}
	return g
}

// Query implements Querier
func (g *Guarded) Query(ctx context.Context, query string, args []interface{}, scan func(Scanner) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.breaker == nil {
		return g.inner.Query(ctx, query, args, scan)
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.inner.Query(ctx, query, args, scan)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrWarehouseUnavailable, err)
	}
	return err
}

// State reports the breaker state, "disabled" without a breaker
func (g *Guarded) State() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

// Close closes the wrapped querier
func (g *Guarded) Close() error {
	return g.inner.Close()
}
