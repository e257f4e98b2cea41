package server

import (
	"context"
	"net/http"
	"time"

	"floorescrow/internal/keeper"
	"floorescrow/internal/oracle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's Prometheus registry. It is built before the engine
// so the oracle and keeper can be instrumented.
type Metrics struct {
	registry          *prometheus.Registry
	transitionsTotal  *prometheus.CounterVec
	replaysTotal      *prometheus.CounterVec
	oracleLatency     *prometheus.HistogramVec
	keeperSettlements *prometheus.CounterVec
	keeperLastDue     prometheus.Gauge
}

func NewMetrics() *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorescrow_transitions_total",
		Help: "Escrow transitions by operation and result",
	}, []string{"op", "result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorescrow_idempotent_replays_total",
		Help: "Requests answered from the idempotency store",
	}, []string{"op"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "floorescrow_oracle_request_seconds",
		Help:    "Latency of observed value lookups",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorescrow_keeper_settlements_total",
		Help: "Keeper settle attempts by result",
	}, []string{"result"})

	lastDue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floorescrow_keeper_last_due",
		Help: "Due escrows found by the latest keeper sweep",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, replays, latency, settlements, lastDue)

	return &Metrics{
		registry:          r,
		transitionsTotal:  transitions,
		replaysTotal:      replays,
		oracleLatency:     latency,
		keeperSettlements: settlements,
		keeperLastDue:     lastDue,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incTransition(op, result string) {
	m.transitionsTotal.WithLabelValues(op, result).Inc()
}

func (m *Metrics) incReplay(op string) {
	m.replaysTotal.WithLabelValues(op).Inc()
}

// ObserveSweep records a keeper pass. It matches keeper.Keeper.OnSweep.
func (m *Metrics) ObserveSweep(res keeper.SweepResult) {
	m.keeperLastDue.Set(float64(res.Due))
	m.keeperSettlements.WithLabelValues("settled").Add(float64(res.Settled))
	m.keeperSettlements.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.keeperSettlements.WithLabelValues("failed").Add(float64(res.Failed))
}

// InstrumentOracle times every ObservedValue call on o.
func (m *Metrics) InstrumentOracle(o oracle.PriceOracle) oracle.PriceOracle {
	return &timedOracle{PriceOracle: o, latency: m.oracleLatency}
}

type timedOracle struct {
	oracle.PriceOracle
	latency *prometheus.HistogramVec
}

func (t *timedOracle) ObservedValue(ctx context.Context, assetID string) (uint64, error) {
	start := time.Now()
	v, err := t.PriceOracle.ObservedValue(ctx, assetID)
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.latency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return v, err
}

func (t *timedOracle) AuthorityValid(ctx context.Context) (bool, error) {
	if v, ok := t.PriceOracle.(oracle.Verifier); ok {
		return v.AuthorityValid(ctx)
	}
	return true, nil
}

func (t *timedOracle) VerifyAssetExists(ctx context.Context, assetID string) (bool, error) {
	if v, ok := t.PriceOracle.(oracle.Verifier); ok {
		return v.VerifyAssetExists(ctx, assetID)
	}
	return true, nil
}

func (t *timedOracle) Ping(ctx context.Context) error {
	if h, ok := t.PriceOracle.(oracle.HealthChecker); ok {
		return h.Ping(ctx)
	}
	return nil
}
