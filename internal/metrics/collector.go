package metrics

import (
	"runtime"
	"time"
)

// Collector collects process metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommand records command execution
func RecordCommand(cmd string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordAppend records the outcome of one append call
func RecordAppend(result string, retries int) {
	AppendsTotal.WithLabelValues(result).Inc()
	if retries > 0 {
		AppendRetries.Add(float64(retries))
	}
	if result == "conflict" {
		VersionConflicts.Inc()
	}
}

// RecordCacheHit records slice cache hit
func RecordCacheHit() {
	SliceCacheHits.Inc()
}

// RecordCacheMiss records slice cache miss
func RecordCacheMiss() {
	SliceCacheMisses.Inc()
}

// RecordCacheEviction records removed cache entries
func RecordCacheEviction(reason string, n int) {
	if n > 0 {
		SliceCacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

// SetCacheEntries sets the cached slice gauge
func SetCacheEntries(n int) {
	SliceCacheEntries.Set(float64(n))
}

// RecordConnection records connection count change
func RecordConnection(delta int) {
	ConnectionsTotal.Add(float64(delta))
}
