// Package telemetry exposes engine state as Prometheus metrics read on scrape.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"rrcstim/internal/model"
)

// Source is anything that can report an engine snapshot.
type Source interface {
	Snapshot() model.Snapshot
}

// Collector reads one snapshot per scrape. It never blocks the step path for
// longer than the snapshot copy.
type Collector struct {
	source Source

	elapsed   *prometheus.Desc
	voltage   *prometheus.Desc
	beat      *prometheus.Desc
	apd       *prometheus.Desc
	current   *prometheus.Desc
	active    *prometheus.Desc
	injection *prometheus.Desc
}

func NewCollector(source Source, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, labels, constLabels)
	}
	return &Collector{
		source:    source,
		elapsed:   desc("rrc_elapsed_ms", "Time since the active protocol started."),
		voltage:   desc("rrc_voltage_mv", "Last membrane potential sample after LJP correction."),
		beat:      desc("rrc_beat", "Current beat number."),
		apd:       desc("rrc_apd_ms", "Most recent action potential duration."),
		current:   desc("rrc_output_current_amps", "Current commanded on the last step."),
		active:    desc("rrc_protocol_active", "1 for the running protocol, 0 otherwise.", "protocol"),
		injection: desc("rrc_injection", "RRC injection of the current beat: 1 supra, -1 sub, 0 none."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.elapsed
	ch <- c.voltage
	ch <- c.beat
	ch <- c.apd
	ch <- c.current
	ch <- c.active
	ch <- c.injection
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Time)
	ch <- prometheus.MustNewConstMetric(c.voltage, prometheus.GaugeValue, s.Voltage)
	ch <- prometheus.MustNewConstMetric(c.beat, prometheus.GaugeValue, s.Beat)
	ch <- prometheus.MustNewConstMetric(c.apd, prometheus.GaugeValue, s.APD)
	ch <- prometheus.MustNewConstMetric(c.current, prometheus.GaugeValue, s.Current)
	for _, p := range append([]model.Protocol{model.ProtocolIdle}, model.Protocols()...) {
		v := 0.0
		if p == s.Protocol {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, v, p.String())
	}
	ch <- prometheus.MustNewConstMetric(c.injection, prometheus.GaugeValue, float64(s.Injection))
}

