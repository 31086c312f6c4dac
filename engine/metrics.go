package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

// DefaultMetricsInterval is the collector tick when the config does not
// set monitoring.metrics_interval.
const DefaultMetricsInterval = 15 * time.Second

// MetricsCollector periodically fetches raw stats for every service,
// normalizes the runtime's human-readable strings into numbers, and
// replaces the environment's metrics snapshot wholesale. Services whose
// stats cannot be fetched or parsed are excluded from the aggregate
// sums and counted in FailedServices — a parse failure must never
// silently zero-contribute.
//
// Normalized values are also exported as Prometheus gauges on the
// collector's registry.
type MetricsCollector struct {
	orch     *Orchestrator
	interval time.Duration

	registry *prometheus.Registry
	cpu      *prometheus.GaugeVec
	memory   *prometheus.GaugeVec
	netRx    *prometheus.GaugeVec
	netTx    *prometheus.GaugeVec
	pids     *prometheus.GaugeVec
	failed   prometheus.Gauge

	mu       sync.Mutex
	snapshot *spec.EnvironmentMetrics
	cancel   context.CancelFunc
	done     chan struct{}
}

func newMetricsCollector(orch *Orchestrator, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}

	labels := []string{"project", "service"}
	c := &MetricsCollector{
		orch:     orch,
		interval: interval,
		registry: prometheus.NewRegistry(),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devstack_service_cpu_percent",
			Help: "Service CPU usage percentage.",
		}, labels),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devstack_service_memory_bytes",
			Help: "Service memory usage in bytes.",
		}, labels),
		netRx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devstack_service_network_rx_bytes",
			Help: "Service cumulative network bytes received.",
		}, labels),
		netTx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devstack_service_network_tx_bytes",
			Help: "Service cumulative network bytes transmitted.",
		}, labels),
		pids: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devstack_service_pids",
			Help: "Number of processes in the service container.",
		}, labels),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devstack_metrics_failed_services",
			Help: "Services whose stats could not be collected this tick.",
		}),
	}

	c.registry.MustRegister(c.cpu, c.memory, c.netRx, c.netTx, c.pids, c.failed)
	return c
}

// Registry exposes the collector's Prometheus registry for scraping.
func (c *MetricsCollector) Registry() *prometheus.Registry { return c.registry }

// Start launches the collection loop. Idempotent.
func (c *MetricsCollector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.loop(ctx, c.done)
}

// Stop cancels the loop and waits for it to exit.
func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Snapshot returns the latest metrics snapshot, or nil before the first
// tick. The returned value is a deep copy.
func (c *MetricsCollector) Snapshot() *spec.EnvironmentMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMetrics(c.snapshot)
}

func (c *MetricsCollector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.tick(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *MetricsCollector) tick(ctx context.Context) {
	o := c.orch

	snapshot := &spec.EnvironmentMetrics{
		Services:    make(map[string]spec.ServiceMetrics, len(o.startOrder)),
		CollectedAt: time.Now(),
	}

	for _, name := range o.startOrder {
		raw, err := o.adapter.FetchStats(ctx, o.containerName(name))
		if err != nil {
			snapshot.FailedServices++
			continue
		}
		m, err := parseRawStats(raw)
		if err != nil {
			snapshot.FailedServices++
			continue
		}

		snapshot.Services[name] = m
		snapshot.TotalCPU += m.CPUPercent
		snapshot.TotalMemory += m.MemoryUsed
		snapshot.TotalNetworkRx += m.NetworkRx
		snapshot.TotalNetworkTx += m.NetworkTx

		labels := prometheus.Labels{"project": o.cfg.Project, "service": name}
		c.cpu.With(labels).Set(m.CPUPercent)
		c.memory.With(labels).Set(float64(m.MemoryUsed))
		c.netRx.With(labels).Set(float64(m.NetworkRx))
		c.netTx.With(labels).Set(float64(m.NetworkTx))
		c.pids.With(labels).Set(float64(m.PIDs))
	}
	c.failed.Set(float64(snapshot.FailedServices))

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	o.log.Publish(Event{
		Type:    EventMetricsUpdated,
		Project: o.cfg.Project,
		Metrics: copyMetrics(snapshot),
	})
}

// parseRawStats normalizes the runtime's human-readable stat strings.
// Any malformed field fails the whole parse; partial metrics would be
// worse than none.
func parseRawStats(raw runtime.RawStats) (spec.ServiceMetrics, error) {
	var m spec.ServiceMetrics

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(raw.CPUPercent, "%"), 64)
	if err != nil {
		return m, fmt.Errorf("cpu %q: %w", raw.CPUPercent, err)
	}
	m.CPUPercent = cpu

	// Memory is reported in binary units (MiB, GiB).
	used, limit, err := parsePair(raw.MemUsage, units.RAMInBytes)
	if err != nil {
		return m, fmt.Errorf("memory %q: %w", raw.MemUsage, err)
	}
	m.MemoryUsed, m.MemoryLimit = used, limit

	// Network and block I/O are reported in decimal units (kB, MB).
	rx, tx, err := parsePair(raw.NetIO, units.FromHumanSize)
	if err != nil {
		return m, fmt.Errorf("network %q: %w", raw.NetIO, err)
	}
	m.NetworkRx, m.NetworkTx = rx, tx

	rd, wr, err := parsePair(raw.BlockIO, units.FromHumanSize)
	if err != nil {
		return m, fmt.Errorf("block %q: %w", raw.BlockIO, err)
	}
	m.BlockRead, m.BlockWrite = rd, wr

	pids, err := strconv.Atoi(strings.TrimSpace(raw.PIDs))
	if err != nil {
		return m, fmt.Errorf("pids %q: %w", raw.PIDs, err)
	}
	m.PIDs = pids

	return m, nil
}

// parsePair splits an "X / Y" stat string and parses both sides with
// the given unit parser.
func parsePair(s string, parse func(string) (int64, error)) (int64, int64, error) {
	left, right, ok := strings.Cut(s, " / ")
	if !ok {
		return 0, 0, fmt.Errorf("malformed pair")
	}
	a, err := parse(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, err
	}
	b, err := parse(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// parseMemoryLimit parses a human-readable memory limit ("512m",
// "2GiB") into bytes.
func parseMemoryLimit(s string) (int64, error) {
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("memory limit %q: %w", s, err)
	}
	return bytes, nil
}

func copyMetrics(m *spec.EnvironmentMetrics) *spec.EnvironmentMetrics {
	if m == nil {
		return nil
	}
	out := *m
	out.Services = make(map[string]spec.ServiceMetrics, len(m.Services))
	for k, v := range m.Services {
		out.Services[k] = v
	}
	return &out
}
