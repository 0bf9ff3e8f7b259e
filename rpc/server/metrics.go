package server

import (
	"time"

	"github.com/ValentinKolb/segcache/rpc/protocol"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

// commandKey identifies the metrics of one command on one listener
type commandKey struct {
	listener string
	command  protocol.Command
}

// commandMetric counts requests and measures their latency
type commandMetric struct {
	requests gometrics.Meter
	latency  gometrics.Timer
}

// CommandStats is the snapshot of one commandMetric
type CommandStats struct {
	Count      int64   `json:"count"`
	Rate1      float64 `json:"rate1"`
	MeanMicros float64 `json:"mean_us"`
	P99Micros  float64 `json:"p99_us"`
}

// commandMetrics holds the per command meters and timers of a server.
//
// Thread-safety: All methods can be called concurrently.
type commandMetrics struct {
	registry       gometrics.Registry
	byCommand      *xsync.MapOf[commandKey, commandMetric]
	protocolErrors gometrics.Counter
}

func newCommandMetrics() *commandMetrics {
	registry := gometrics.NewRegistry()
	return &commandMetrics{
		registry:       registry,
		byCommand:      xsync.NewMapOf[commandKey, commandMetric](),
		protocolErrors: gometrics.GetOrRegisterCounter("protocol.errors", registry),
	}
}

// get returns the metric of a command, registering it on first use
func (m *commandMetrics) get(listener string, cmd protocol.Command) commandMetric {
	metric, _ := m.byCommand.LoadOrCompute(commandKey{listener, cmd}, func() commandMetric {
		name := listener + "." + cmd.String()
		return commandMetric{
			requests: gometrics.GetOrRegisterMeter(name, m.registry),
			latency:  gometrics.GetOrRegisterTimer(name+".latency", m.registry),
		}
	})
	return metric
}

// observe records one executed request that started at start
func (m *commandMetrics) observe(listener string, cmd protocol.Command, start time.Time) {
	metric := m.get(listener, cmd)
	metric.requests.Mark(1)
	metric.latency.UpdateSince(start)
}

// protocolError records a request that could not be parsed
func (m *commandMetrics) protocolError() {
	m.protocolErrors.Inc(1)
}

// snapshot returns the stats of all commands seen so far, keyed by
// "<listener>.<command>"
func (m *commandMetrics) snapshot() map[string]CommandStats {
	stats := make(map[string]CommandStats)
	m.byCommand.Range(func(key commandKey, metric commandMetric) bool {
		latency := metric.latency.Snapshot()
		stats[key.listener+"."+key.command.String()] = CommandStats{
			Count:      metric.requests.Count(),
			Rate1:      metric.requests.Rate1(),
			MeanMicros: latency.Mean() / float64(time.Microsecond),
			P99Micros:  latency.Percentile(0.99) / float64(time.Microsecond),
		}
		return true
	})
	return stats
}

// stop unregisters all metrics, which stops the meter ticker
func (m *commandMetrics) stop() {
	m.registry.UnregisterAll()
}
