package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"greybridge/logging"
)

const keyPrefix = "/greybridge/"

func appPrefix(app string) string {
	return keyPrefix + app + "/"
}

func endpointKey(app, addr string) string {
	return appPrefix(app) + addr
}

// EtcdRegistry stores endpoints in etcd.
//
//	Key:   /greybridge/{app}/{addr}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL leases: if the application crashes, the lease expires
// and the entry disappears on its own.
type EtcdRegistry struct {
	client *clientv3.Client
	logger zerolog.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key -> stops its keepalive
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: logging.Component("registry"),
		leases: make(map[string]context.CancelFunc),
	}, nil
}

// Register stores ep under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, app string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	key := endpointKey(app, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keepalive outlives ctx; it stops on Deregister.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = cancel
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, app string, addr string) error {
	key := endpointKey(app, addr)
	r.mu.Lock()
	if cancel, ok := r.leases[key]; ok {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full endpoint list after every change under the app's
// prefix. The channel closes when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, app string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, appPrefix(app), clientv3.WithPrefix()) {
			eps, err := r.Discover(ctx, app)
			if err != nil {
				r.logger.Warn().Err(err).Str("app", app).Msg("discover after watch event")
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, app string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, appPrefix(app), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn().Str("key", string(kv.Key)).Err(err).Msg("skipping malformed endpoint")
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Close stops every keepalive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.leases {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
