package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

// metric is the interface satisfied by all metric types.
type metric interface {
	expose(sb *strings.Builder)
}

// Registry holds named metrics for exposition.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// defaultRegistry is the process-wide metric registry.
var defaultRegistry = &Registry{metrics: make(map[string]metric)}

func (r *Registry) register(name string, m metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = m
}

// Expose renders all registered metrics in Prometheus exposition format.
// Output is sorted by metric name for stable scrapes.
func (r *Registry) Expose() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		r.metrics[name].expose(&sb)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Expose renders the default registry.
func Expose() string {
	return defaultRegistry.Expose()
}

// Handler returns an http.Handler serving the default registry in
// Prometheus exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(defaultRegistry.Expose()))
	})
}
