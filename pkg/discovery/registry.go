package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const defaultProbeTimeout = 2 * time.Second

// pool holds one logical service's instances together with its rotation
// pointer. The pointer always names the instance the next resolution should
// try first, so healthy traffic spreads evenly across the pool.
type pool struct {
	mu        sync.Mutex
	instances []Instance
	next      int
}

// Registry selects live instances from statically configured service pools.
// Selection is round-robin starting at the pool's rotation pointer, skipping
// instances that fail the liveness probe. The scan wraps at most once over
// the pool.
type Registry struct {
	pools        map[string]*pool
	probeClient  *http.Client
	probeTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithProbeTimeout overrides the per-instance liveness probe timeout.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.probeTimeout = d }
}

// NewRegistry builds a Registry over the given pools. Pool contents are
// copied; later mutation of the argument does not affect the Registry.
func NewRegistry(pools map[string][]Instance, opts ...RegistryOption) *Registry {
	r := &Registry{
		pools:        make(map[string]*pool, len(pools)),
		probeClient:  &http.Client{},
		probeTimeout: defaultProbeTimeout,
	}
	for name, instances := range pools {
		p := &pool{instances: make([]Instance, len(instances))}
		copy(p.instances, instances)
		r.pools[name] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Services lists the configured pool names.
func (r *Registry) Services() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// Resolve returns the next live instance of the named service. Starting from
// the pool's rotation pointer it probes each instance in order and returns
// the first one that answers its health endpoint; the pointer then moves one
// past the returned instance. If the whole pool fails its probes the pointer
// is left unchanged and ErrNoLiveInstance is returned.
func (r *Registry) Resolve(ctx context.Context, service string) (Instance, error) {
	p, ok := r.pools[service]
	if !ok || len(p.instances) == 0 {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.instances)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		inst := p.instances[idx]
		if r.probe(ctx, inst.URL) {
			p.next = (idx + 1) % n
			return inst, nil
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrNoLiveInstance, service)
}

// probe reports whether the instance answers GET {url}/healthz with 200
// within the probe timeout. Any error, timeout or non-200 counts as dead.
func (r *Registry) probe(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := r.probeClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
