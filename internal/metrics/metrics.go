package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects watcher counters and renders them in Prometheus
// text format. All methods are safe for concurrent use and safe on a
// nil receiver so callers never have to guard instrumentation.
type Registry struct {
	sourceRestarts atomic.Int64
	overflows      atomic.Int64
	pendingPaths   atomic.Int64
	rawEvents      sync.Map // backend name -> *atomic.Int64
	notifications  sync.Map // notification kind -> *atomic.Int64
	buses          sync.Map // bus name -> *busStats
}

type busStats struct {
	published      sync.Map // event type -> *atomic.Int64
	dropped        sync.Map // event type -> *atomic.Int64
	filteredSubs   atomic.Int64
	unfilteredSubs atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncRawEvent(backend string) {
	if r == nil {
		return
	}
	counter(&r.rawEvents, normalizeKey(backend)).Add(1)
}

func (r *Registry) IncNotification(kind string) {
	if r == nil {
		return
	}
	counter(&r.notifications, normalizeKey(kind)).Add(1)
}

func (r *Registry) IncSourceRestart() {
	if r == nil {
		return
	}
	r.sourceRestarts.Add(1)
}

func (r *Registry) IncOverflow() {
	if r == nil {
		return
	}
	r.overflows.Add(1)
}

func (r *Registry) SetPendingPaths(count int) {
	if r == nil {
		return
	}
	r.pendingPaths.Store(int64(count))
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.stats(bus).published, normalizeKey(eventType)).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.stats(bus).dropped, normalizeKey(eventType)).Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	stats := r.stats(bus)
	stats.filteredSubs.Store(int64(filtered))
	stats.unfilteredSubs.Store(int64(unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "dirwatch_source_restarts_total", "Event source restarts", r.sourceRestarts.Load())
	writeCounter(writer, "dirwatch_overflows_total", "Pending-path overflows forcing a rescan", r.overflows.Load())
	writeGauge(writer, "dirwatch_pending_paths", "Paths currently accumulating in the debounce window", r.pendingPaths.Load())

	writeLabeledCounters(writer, "dirwatch_raw_events_total", "Raw backend events received", "backend", &r.rawEvents)
	writeLabeledCounters(writer, "dirwatch_notifications_total", "Coalesced notifications emitted", "kind", &r.notifications)

	busNames := keys(&r.buses)
	sort.Strings(busNames)

	writeHelp(writer, "dirwatch_bus_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE dirwatch_bus_published_total counter")
	writeHelp(writer, "dirwatch_bus_dropped_total", "Events lost to disconnected subscribers per bus")
	fmt.Fprintln(writer, "# TYPE dirwatch_bus_dropped_total counter")
	writeHelp(writer, "dirwatch_bus_subscribers", "Current subscribers per bus")
	fmt.Fprintln(writer, "# TYPE dirwatch_bus_subscribers gauge")

	for _, name := range busNames {
		stats := r.stats(name)
		busLabel := formatLabel(name)
		for _, eventType := range keysSorted(&stats.published) {
			fmt.Fprintf(writer, "dirwatch_bus_published_total{bus=%s,type=%s} %d\n", busLabel, formatLabel(eventType), counter(&stats.published, eventType).Load())
		}
		for _, eventType := range keysSorted(&stats.dropped) {
			fmt.Fprintf(writer, "dirwatch_bus_dropped_total{bus=%s,type=%s} %d\n", busLabel, formatLabel(eventType), counter(&stats.dropped, eventType).Load())
		}
		fmt.Fprintf(writer, "dirwatch_bus_subscribers{bus=%s,filtered=\"true\"} %d\n", busLabel, stats.filteredSubs.Load())
		fmt.Fprintf(writer, "dirwatch_bus_subscribers{bus=%s,filtered=\"false\"} %d\n", busLabel, stats.unfilteredSubs.Load())
	}

	return nil
}

func (r *Registry) stats(bus string) *busStats {
	value, _ := r.buses.LoadOrStore(normalizeKey(bus), &busStats{})
	return value.(*busStats)
}

func counter(m *sync.Map, key string) *atomic.Int64 {
	value, _ := m.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func keys(m *sync.Map) []string {
	var out []string
	m.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			out = append(out, name)
		}
		return true
	})
	return out
}

func keysSorted(m *sync.Map) []string {
	out := keys(m)
	sort.Strings(out)
	return out
}

func normalizeKey(key string) string {
	if strings.TrimSpace(key) == "" {
		return "unknown"
	}
	return key
}

func writeLabeledCounters(writer io.Writer, metric, help, label string, m *sync.Map) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	for _, key := range keysSorted(m) {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, label, formatLabel(key), counter(m, key).Load())
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
