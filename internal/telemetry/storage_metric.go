package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the instruments of the page cache, the flush
// pipeline and the scan protocol.
type StorageMetrics struct {
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	CacheEvictions    metric.Int64Counter
	ResidentPages     metric.Int64UpDownCounter
	FlushedBytes      metric.Int64Counter
	FlushFailures     metric.Int64Counter
	ScanPagesStreamed metric.Int64Counter
	ScanRetries       metric.Int64Counter
}

// NewStorageMetrics registers the storage instruments on meter. A nil meter
// yields no-op instruments.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &StorageMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.CacheHits, "pagestore.cache.hits_total", "Pins served from a resident page.", "1"},
		{&m.CacheMisses, "pagestore.cache.misses_total", "Pins that loaded a page from disk.", "1"},
		{&m.CacheEvictions, "pagestore.cache.evictions_total", "Pages evicted from the cache.", "1"},
		{&m.FlushedBytes, "pagestore.flush.bytes_total", "Bytes written by the flush pipeline.", "By"},
		{&m.FlushFailures, "pagestore.flush.failures_total", "Failed flush attempts.", "1"},
		{&m.ScanPagesStreamed, "pagestore.scan.pages_total", "Page pins acknowledged by the backend.", "1"},
		{&m.ScanRetries, "pagestore.scan.retries_total", "Page pin messages resent after a fault.", "1"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}
	m.ResidentPages, err = meter.Int64UpDownCounter(
		"pagestore.cache.resident_pages",
		metric.WithDescription("Pages currently resident in shared memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FlushCompleted and FlushFailed let StorageMetrics observe the flush pipeline.
func (m *StorageMetrics) FlushCompleted(bytes int) {
	m.FlushedBytes.Add(context.Background(), int64(bytes))
}

func (m *StorageMetrics) FlushFailed(degraded bool) {
	m.FlushFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("degraded", degraded)))
}
