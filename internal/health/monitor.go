// Package health implements the periodic control loop of spec.md §4.3: on
// each tick it probes every upstream, recomputes the fleet chain-head and
// per-node health, and flips the failover flag on the healthy-primary-set
// edge. Ticks never overlap.
//
// Grounded on libevm/rpcroute/backend.go's heightLoop (one goroutine per
// backend feeding a shared atomic height) for the parallel-probe shape, and
// caddyhttp/proxy/upstream.go's HealthCheckWorker for the non-overlapping
// ticker loop.
package health

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/chainbound/vixy/internal/metrics"
	"github.com/chainbound/vixy/internal/probe"
	"github.com/chainbound/vixy/internal/registry"
)

// Monitor runs the control loop against a Registry.
type Monitor struct {
	reg      *registry.Registry
	client   *http.Client
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// New builds a Monitor. client is the shared HTTP client used for probes
// (spec.md §5: "A single HTTP client with connection pool is shared across
// all HTTP forwards"; the monitor reuses the same pooling discipline).
// No metrics are published unless WithMetrics attaches a non-nil sink.
func New(reg *registry.Registry, client *http.Client, interval time.Duration, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{reg: reg, client: client, interval: interval, log: log}
}

// WithMetrics attaches a Metrics sink and returns the Monitor for chaining.
func (m *Monitor) WithMetrics(mx *metrics.Metrics) *Monitor {
	m.metrics = mx
	return m
}

// Run executes the control loop until ctx is canceled. Ticks are serialized:
// every full cycle (probe all, recompute heads, recompute health, flip
// failover) runs on this goroutine, so a cycle never overlaps the previous
// one. The ticker keeps running meanwhile; a tick that falls due during a
// cycle starts the next cycle as soon as it ends, and further ticks due in
// that time are dropped.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("starting health monitor", "interval_ms", m.interval.Milliseconds())
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs exactly one cycle of spec.md §4.3 steps 1-6. No probe failure
// is fatal; the monitor itself never panics on a probe outcome.
func (m *Monitor) Tick(ctx context.Context) {
	anyPrimaryHealthy := m.checkEL(ctx)
	m.checkCL(ctx)

	if changed := m.reg.SetFailoverActive(!anyPrimaryHealthy); changed {
		if !anyPrimaryHealthy {
			m.log.Warn("EL failover ACTIVATED - all primary nodes unhealthy, using backups")
			if m.metrics != nil {
				m.metrics.ELFailoversTotal.Inc()
			}
		} else {
			m.log.Info("EL failover DEACTIVATED - primary node recovered")
		}
	}
	if m.metrics != nil {
		if m.reg.FailoverActive() {
			m.metrics.ELFailoverActive.Set(1)
		} else {
			m.metrics.ELFailoverActive.Set(0)
		}
	}
}

// checkEL probes every EL node in parallel, recomputes el_head and per-node
// lag, and returns whether any primary node is healthy (spec.md §4.3 steps
// 1-4).
func (m *Monitor) checkEL(ctx context.Context) (anyPrimaryHealthy bool) {
	nodes := m.reg.ElNodes()
	results := make([]struct {
		block uint64
		ok    bool
	}, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			block, err := probe.EL(gctx, m.client, n.HTTPURL)
			if err != nil {
				m.log.Warn("EL node check failed", "node", n.Name, "err", err)
				results[i] = struct {
					block uint64
					ok    bool
				}{0, false}
				return nil // a probe failure is never fatal to the cycle
			}
			m.log.Debug("EL node check successful", "node", n.Name, "block_number", block)
			results[i] = struct {
				block uint64
				ok    bool
			}{block, true}
			return nil
		})
	}
	_ = g.Wait() // errgroup never actually returns an error above

	m.reg.UpdateEL(func(n *registry.ElNode) {
		for i, cand := range nodes {
			if cand.Name != n.Name {
				continue
			}
			if results[i].ok {
				n.LastBlock = results[i].block
				n.ProbeOK = true
				n.ConsecutiveFailures = 0
			} else {
				n.ProbeOK = false
				n.ConsecutiveFailures++
			}
			return
		}
	})

	healthyCount := 0
	for _, n := range m.reg.ElNodes() {
		healthy := n.Healthy(m.reg.MaxELLag(), m.reg.FailThreshold())
		m.log.Debug("EL node health calculated",
			"node", n.Name, "is_primary", n.Tier == registry.TierPrimary,
			"block_number", n.LastBlock, "check_ok", n.ProbeOK, "lag", n.Lag, "is_healthy", healthy)
		if n.Tier == registry.TierPrimary && healthy {
			anyPrimaryHealthy = true
		}
		if healthy {
			healthyCount++
		}
		if m.metrics != nil {
			m.metrics.ELNodeBlockNumber.WithLabelValues(n.Name, n.Tier.String()).Set(float64(n.LastBlock))
			m.metrics.ELNodeLagBlocks.WithLabelValues(n.Name, n.Tier.String()).Set(float64(n.Lag))
			m.metrics.ELNodeHealthy.WithLabelValues(n.Name, n.Tier.String()).Set(boolToFloat(healthy))
		}
	}
	if m.metrics != nil {
		m.metrics.ELChainHead.Set(float64(m.reg.ELHead()))
		m.metrics.ELHealthyNodes.Set(float64(healthyCount))
	}
	return anyPrimaryHealthy
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// checkCL is the CL analogue of checkEL (spec.md §4.3 step 5); CL has no
// tiering and contributes nothing to the failover decision.
func (m *Monitor) checkCL(ctx context.Context) {
	nodes := m.reg.ClNodes()
	type clResult struct {
		probeOK  bool
		healthOK bool
		slot     uint64
	}
	results := make([]clResult, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			healthOK, slot, err := probe.CL(gctx, m.client, n.URL)
			if err != nil {
				m.log.Warn("CL node check failed", "node", n.Name, "err", err)
				results[i] = clResult{probeOK: false}
				return nil
			}
			m.log.Debug("CL node check successful", "node", n.Name, "health_ok", healthOK, "slot", slot)
			results[i] = clResult{probeOK: true, healthOK: healthOK, slot: slot}
			return nil
		})
	}
	_ = g.Wait()

	m.reg.UpdateCL(func(n *registry.ClNode) {
		for i, cand := range nodes {
			if cand.Name != n.Name {
				continue
			}
			r := results[i]
			if r.probeOK {
				n.HealthOK = r.healthOK
				n.LastSlot = r.slot
				n.ConsecutiveFailures = 0
			} else {
				n.HealthOK = false
				n.LastSlot = 0
				n.ConsecutiveFailures++
			}
			return
		}
	})

	healthyCount := 0
	for _, n := range m.reg.ClNodes() {
		healthy := n.Healthy(m.reg.MaxCLLag(), m.reg.FailThreshold())
		m.log.Debug("CL node health calculated",
			"node", n.Name, "slot", n.LastSlot, "health_ok", n.HealthOK, "lag", n.Lag, "is_healthy", healthy)
		if healthy {
			healthyCount++
		}
		if m.metrics != nil {
			m.metrics.CLNodeSlot.WithLabelValues(n.Name).Set(float64(n.LastSlot))
			m.metrics.CLNodeLagSlots.WithLabelValues(n.Name).Set(float64(n.Lag))
			m.metrics.CLNodeHealthy.WithLabelValues(n.Name).Set(boolToFloat(healthy))
		}
	}
	if m.metrics != nil {
		m.metrics.CLChainHead.Set(float64(m.reg.CLHead()))
		m.metrics.CLHealthyNodes.Set(float64(healthyCount))
	}
}
