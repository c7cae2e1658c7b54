package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakers holds one circuit breaker per destination host, created lazily.
type breakers struct {
	mu        sync.RWMutex
	byHost    map[string]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	return &breakers{
		byHost:    make(map[string]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
	}
}

// get returns the breaker for host, creating one if needed.
func (b *breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.byHost[host]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.byHost[host]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     b.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Callback circuit breaker state changed", "component", "notifier", "destination", name, "from", from.String(), "to", to.String())
		},
	})
	b.byHost[host] = cb
	return cb
}

// counts returns the number of breakers and how many are open.
func (b *breakers) counts() (total, open int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, cb := range b.byHost {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	return len(b.byHost), open
}
