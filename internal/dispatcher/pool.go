// Package dispatcher runs one dispatch loop per enabled AIQueue tuple,
// pulling pending items and routing them to a load-balanced pool of model
// clients gated by capability and guarded by a circuit breaker per client.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pixelforge/gallery-core/internal/distlock"
	"github.com/pixelforge/gallery-core/internal/modelclient"
)

// ErrNoCapableClient is returned when no registered client supports a kind.
var ErrNoCapableClient = errors.New("dispatcher: no client supports this task kind")

// ErrAllClientsOpen is returned when every capable client's breaker is open.
var ErrAllClientsOpen = errors.New("dispatcher: all capable clients are circuit-open")

type member struct {
	client  modelclient.Client
	breaker *gobreaker.CircuitBreaker
}

// ClientPool round-robins among model clients that support a given task
// kind, skipping any whose circuit breaker is currently open.
type ClientPool struct {
	mu      sync.Mutex
	members []member
	next    int
	locker  *distlock.Lock
}

// NewClientPool builds a pool wrapping each client in its own breaker.
func NewClientPool(clients []modelclient.Client) *ClientPool {
	return newClientPool(clients, nil)
}

// NewClientPoolWithLocker builds a pool whose round-robin cursor is a shared
// Redis counter rather than an in-process int, so multiple gallery-server
// replicas spread load across the same set of model clients instead of each
// starting its own rotation from index zero.
func NewClientPoolWithLocker(clients []modelclient.Client, locker *distlock.Lock) *ClientPool {
	return newClientPool(clients, locker)
}

func newClientPool(clients []modelclient.Client, locker *distlock.Lock) *ClientPool {
	p := &ClientPool{locker: locker}
	for _, c := range clients {
		name := c.Name()
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}
		p.members = append(p.members, member{client: c, breaker: gobreaker.NewCircuitBreaker(settings)})
	}
	return p
}

// Dispatch picks the next eligible client for kind in round-robin order and
// runs fn through its breaker. fn receives the chosen client.
func (p *ClientPool) Dispatch(ctx context.Context, kind modelclient.TaskKind, fn func(context.Context, modelclient.Client) (any, error)) (any, error) {
	p.mu.Lock()
	candidates := make([]member, 0, len(p.members))
	for _, m := range p.members {
		if m.client.Supports(kind) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		p.mu.Unlock()
		return nil, ErrNoCapableClient
	}
	cursor := p.next
	p.next++
	p.mu.Unlock()

	if p.locker != nil {
		if shared, err := p.locker.NextCursor(ctx, string(kind)); err == nil {
			cursor = int(shared)
		}
	}
	start := cursor % len(candidates)
	if start < 0 {
		start += len(candidates)
	}

	var lastErr error
	for i := 0; i < len(candidates); i++ {
		m := candidates[(start+i)%len(candidates)]
		if m.breaker.State() == gobreaker.StateOpen {
			lastErr = gobreaker.ErrOpenState
			continue
		}
		result, err := m.breaker.Execute(func() (any, error) {
			return fn(ctx, m.client)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = ErrAllClientsOpen
	}
	return nil, lastErr
}
