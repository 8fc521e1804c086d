// Package metrics keeps counters for keeper activity and exposes them in
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type cycleKey struct {
	outcome string
}

type actionKey struct {
	action string
	result string
}

type latencyKey struct {
	target string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu      sync.Mutex
	cycles  map[cycleKey]uint64
	actions map[actionKey]uint64
	latency map[latencyKey]*histogram
}

var keeperCollector = &collector{
	cycles:  make(map[cycleKey]uint64),
	actions: make(map[actionKey]uint64),
	latency: make(map[latencyKey]*histogram),
}

// ObserveCycle records one finished keeper cycle by outcome.
func ObserveCycle(outcome string) {
	keeperCollector.mu.Lock()
	defer keeperCollector.mu.Unlock()
	keeperCollector.cycles[cycleKey{outcome: outcome}]++
}

// ObserveAction records one claim or purchase attempt and its result.
func ObserveAction(action, result string) {
	keeperCollector.mu.Lock()
	defer keeperCollector.mu.Unlock()
	keeperCollector.actions[actionKey{action: action, result: result}]++
}

// ObserveRemoteCall records the latency of one external round trip.
func ObserveRemoteCall(target string, duration time.Duration) {
	keeperCollector.mu.Lock()
	defer keeperCollector.mu.Unlock()
	key := latencyKey{target: target}
	hist := keeperCollector.latency[key]
	if hist == nil {
		hist = newHistogram()
		keeperCollector.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, keeperCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type cycleMetric struct {
		cycleKey
		value uint64
	}
	type actionMetric struct {
		actionKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	cycles := make([]cycleMetric, 0, len(c.cycles))
	for key, value := range c.cycles {
		cycles = append(cycles, cycleMetric{cycleKey: key, value: value})
	}
	actions := make([]actionMetric, 0, len(c.actions))
	for key, value := range c.actions {
		actions = append(actions, actionMetric{actionKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i].outcome < cycles[j].outcome })
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].action == actions[j].action {
			return actions[i].result < actions[j].result
		}
		return actions[i].action < actions[j].action
	})
	sort.Slice(lats, func(i, j int) bool { return lats[i].target < lats[j].target })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agentfuel_cycles_total Total number of keeper cycles by outcome.\n")
	builder.WriteString("# TYPE agentfuel_cycles_total counter\n")
	for _, metric := range cycles {
		builder.WriteString(fmt.Sprintf("agentfuel_cycles_total{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP agentfuel_actions_total Claim and purchase attempts by result.\n")
	builder.WriteString("# TYPE agentfuel_actions_total counter\n")
	for _, metric := range actions {
		builder.WriteString(fmt.Sprintf("agentfuel_actions_total{action=\"%s\",result=\"%s\"} %d\n",
			escape(metric.action), escape(metric.result), metric.value))
	}

	builder.WriteString("# HELP agentfuel_remote_call_duration_seconds External round-trip latency in seconds.\n")
	builder.WriteString("# TYPE agentfuel_remote_call_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("agentfuel_remote_call_duration_seconds_bucket{target=\"%s\",le=\"%s\"} %d\n",
				escape(metric.target), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agentfuel_remote_call_duration_seconds_bucket{target=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.target), metric.count))
		builder.WriteString(fmt.Sprintf("agentfuel_remote_call_duration_seconds_sum{target=\"%s\"} %s\n",
			escape(metric.target), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("agentfuel_remote_call_duration_seconds_count{target=\"%s\"} %d\n",
			escape(metric.target), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
