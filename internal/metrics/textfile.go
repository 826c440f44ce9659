package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replexport"

// Registry converts the current snapshot into a Prometheus registry. The
// collector is read once; the registry is not live.
func (c *Collector) Registry() (*prometheus.Registry, error) {
	snap := c.Snapshot()
	reg := prometheus.NewRegistry()

	ops := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Completed operations by type.",
	}, []string{"op"})
	failures := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operation_failures_total",
		Help:      "Failed operations by type.",
	}, []string{"op"})
	seconds := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operation_seconds_total",
		Help:      "Cumulative time spent per operation type.",
	}, []string{"op"})
	bytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Archive bytes written to disk.",
	})
	uptime := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of the export run.",
	})

	for _, collector := range []prometheus.Collector{ops, failures, seconds, bytes, uptime} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	uptime.Set(snap.UptimeSeconds)
	for _, name := range Operations {
		op := snap.Op(name)
		if op == nil {
			continue
		}
		ops.WithLabelValues(name).Set(float64(op.Count))
		failures.WithLabelValues(name).Set(float64(op.Failures))
		seconds.WithLabelValues(name).Set(float64(op.TotalTimeMs) / 1000)
	}
	if snap.Download != nil && snap.Download.TotalBytes != nil {
		bytes.Set(float64(*snap.Download.TotalBytes))
	}

	return reg, nil
}

// WriteTextfile writes the snapshot in the Prometheus text format to path,
// for pickup by the node_exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	reg, err := c.Registry()
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
