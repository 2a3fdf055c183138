// Package registry publishes and discovers application endpoints, so the test
// process can find the port the application under test listens on.
package registry

import (
	"context"
	"time"
)

// Endpoint is one application process serving invocations.
type Endpoint struct {
	Addr      string    `json:"addr"`
	PID       int       `json:"pid,omitempty"`
	Version   string    `json:"version,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type Registry interface {
	Register(ctx context.Context, app string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, app string, addr string) error
	Discover(ctx context.Context, app string) ([]Endpoint, error)
	Watch(ctx context.Context, app string) <-chan []Endpoint
}

// Latest picks the most recently started endpoint. A relaunched application
// registers a new endpoint before the stale one's lease expires.
func Latest(eps []Endpoint) (Endpoint, bool) {
	if len(eps) == 0 {
		return Endpoint{}, false
	}
	best := eps[0]
	for _, ep := range eps[1:] {
		if ep.StartedAt.After(best.StartedAt) {
			best = ep
		}
	}
	return best, true
}
