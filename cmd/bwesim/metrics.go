package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// registries gathers from every scenario registry added so far. Scenarios
// carry a scenario label, so their series do not collide.
type registries struct {
	mu  sync.Mutex
	all []prometheus.Gatherer
}

func (r *registries) Add(g prometheus.Gatherer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, g)
}

// Gather implements prometheus.Gatherer.
func (r *registries) Gather() ([]*dto.MetricFamily, error) {
	r.mu.Lock()
	gs := slices.Clone(r.all)
	r.mu.Unlock()
	return prometheus.Gatherers(gs).Gather()
}

// metricsServer serves /metrics for the scenarios of one command.
type metricsServer struct {
	registries
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

// startMetrics listens on addr. It returns nil, nil when addr is empty.
func startMetrics(addr string) (*metricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m := &metricsServer{addr: ln.Addr(), done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(&m.registries, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	m.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", m.addr)
	return m, nil
}

// Add is nil-safe so callers need not check whether metrics are enabled.
func (m *metricsServer) Add(g prometheus.Gatherer) {
	if m != nil {
		m.registries.Add(g)
	}
}

// Linger keeps serving until ctx is done, so the final values of a
// virtual-time run can still be scraped.
func (m *metricsServer) Linger(ctx context.Context) {
	if m == nil {
		return
	}
	log.Infof("run finished; serving final metrics on http://%s/metrics until interrupted", m.addr)
	<-ctx.Done()
}

func (m *metricsServer) Close() error {
	if m == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.srv.Shutdown(ctx)
	<-m.done
	return err
}
