package control

import (
	"fmt"
	"io"
	"net/http"
)

// metricLine is one Prometheus metric family descriptor plus its value,
// matching the teacher transport package's hand-rolled exposition shape.
type metricLine struct {
	name  string
	help  string
	kind  string // "counter" or "gauge"
	value int64
}

func (p *Plane) snapshot() []metricLine {
	c := p.counters
	return []metricLine{
		{"edrcore_events_in_total", "Total envelopes received by the dispatcher.", "counter", c.EventsIn.Load()},
		{"edrcore_events_out_total", "Total envelopes accepted into the store's submission queue.", "counter", c.EventsOut.Load()},
		{"edrcore_events_dropped_total", "Total envelopes or scan jobs dropped under backpressure.", "counter", c.Dropped.Load()},
		{"edrcore_ring_poisoned_total", "Total poisoned-length frames detected by the ring consumer.", "counter", c.Poisoned.Load()},
		{"edrcore_ring_resync_total", "Total times the ring consumer resynced after a poisoned frame.", "counter", c.Resync.Load()},
		{"edrcore_scans_completed_total", "Total file scans completed by the scanner orchestrator.", "counter", c.ScansCompleted.Load()},
		{"edrcore_rule_hits_total", "Total RuleHits produced across all completed scans.", "counter", c.RuleHits.Load()},
		{"edrcore_phase", "Current lifecycle phase as an integer (init=0, running=1, draining=2, stopped=3).", "gauge", int64(p.Phase())},
	}
}

// metricsHandler serves the current counters in Prometheus text exposition
// format, mirroring the teacher's transport.Metrics.Handler.
func (p *Plane) metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, p.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
