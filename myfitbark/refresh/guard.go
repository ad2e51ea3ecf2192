package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/asnowfix/myfitbark/myfitbark/metrics"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

// Consecutive failed calls (each after its retries) that open a breaker.
const breakerTrips = 5

// guard protects the remote calls of the engine: transient failures are retried with
// exponential backoff, and a circuit breaker per entity and fetch kind stops calling a
// resource that keeps failing. One failing dog never opens the breaker of another.
type guard struct {
	breakers sync.Map // breaker name -> *breaker
	backoff  func() backoff.BackOff
	log      logr.Logger
}

type breaker struct {
	cb *gobreaker.CircuitBreaker[any]

	mu   sync.Mutex
	last error
}

func (b *breaker) lastFailure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *breaker) setLastFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = err
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func newGuard(log logr.Logger, newBackOff func() backoff.BackOff) *guard {
	return &guard{backoff: newBackOff, log: log.WithName("guard")}
}

func breakerName(kind string, externalId string) string {
	return kind + "/" + externalId
}

func (g *guard) breaker(name string) *breaker {
	if b, ok := g.breakers.Load(name); ok {
		return b.(*breaker)
	}
	b, _ := g.breakers.LoadOrStore(name, g.newBreaker(name))
	return b.(*breaker)
}

func (g *guard) newBreaker(name string) *breaker {
	log := g.log
	metrics.SetBreakerState(name, int(gobreaker.StateClosed))
	return &breaker{cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		// Rejections of the request itself say nothing about the resource health
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state transition", "name", name, "from", from.String(), "to", to.String())
			metrics.SetBreakerState(name, int(to))
		},
	})}
}

// transient tells whether retrying may succeed.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *fitbark.Error
	return errors.As(err, &fe) && fe.Temporary()
}

// call runs fn through the named breaker, retrying transient failures. The retries of one
// call count as a single breaker outcome. An open breaker reports the last failure it saw.
func call[T any](ctx context.Context, g *guard, name string, what string, fn func() (T, error)) (T, error) {
	var zero T
	b := g.breaker(name)

	out, err := b.cb.Execute(func() (any, error) {
		attempt := 0
		return backoff.RetryWithData(func() (T, error) {
			attempt++
			v, err := fn()
			if err == nil {
				return v, nil
			}
			if !transient(err) {
				return zero, backoff.Permanent(err)
			}
			g.log.V(1).Info("Transient failure", "call", what, "breaker", name, "attempt", attempt, "error", err.Error())
			return zero, err
		}, backoff.WithContext(g.backoff(), ctx))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if last := b.lastFailure(); last != nil {
				return zero, fmt.Errorf("%s: %w, last failure: %w", what, err, last)
			}
			return zero, fmt.Errorf("%s: %w", what, err)
		}
		if transient(err) {
			b.setLastFailure(err)
		}
		return zero, err
	}
	b.setLastFailure(nil)

	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", what, out)
	}
	return v, nil
}
