package registry

import (
	"context"
	"sync"
)

// StaticRegistry is an in-process Registry for single-host runs and tests.
// TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	apps     map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		apps:     make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *StaticRegistry) Register(_ context.Context, app string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.apps[app] == nil {
		r.apps[app] = make(map[string]Endpoint)
	}
	r.apps[app][ep.Addr] = ep
	r.notify(app)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, app string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps[app], addr)
	r.notify(app)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, app string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(app), nil
}

// Watch emits the endpoint list after every change. A slow reader sees only
// the latest list.
func (r *StaticRegistry) Watch(ctx context.Context, app string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[app] = append(r.watchers[app], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[app]
		for i, w := range ws {
			if w == ch {
				r.watchers[app] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) list(app string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.apps[app]))
	for _, ep := range r.apps[app] {
		eps = append(eps, ep)
	}
	return eps
}

// notify must be called with r.mu held.
func (r *StaticRegistry) notify(app string) {
	eps := r.list(app)
	for _, ch := range r.watchers[app] {
		select {
		case <-ch:
		default:
		}
		ch <- eps
	}
}
