package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/storage"
)

var (
	hotRecordsDesc   = prometheus.NewDesc("tinysync_hot_records", "Rows held in the hot store.", nil, nil)
	hotClientsDesc   = prometheus.NewDesc("tinysync_hot_clients", "Distinct clients with rows in the hot store.", nil, nil)
	diskBytesDesc    = prometheus.NewDesc("tinysync_disk_bytes", "Bytes on local disk per storage tier.", []string{"tier"}, nil)
	connectionsDesc  = prometheus.NewDesc("tinysync_realtime_connections", "Open real-time connections.", nil, nil)
	sweepHealthyDesc = prometheus.NewDesc("tinysync_sweep_healthy", "1 when the tiering sweep is healthy.", nil, nil)
	sweepErrorsDesc  = prometheus.NewDesc("tinysync_sweep_consecutive_errors", "Sweeps failed in a row.", nil, nil)
	sweepArchived    = prometheus.NewDesc("tinysync_sweep_archived_rows_total", "Rows moved to the archive since start.", nil, nil)
	sweepLastDesc    = prometheus.NewDesc("tinysync_sweep_last_success_timestamp_seconds", "Unix time of the last successful sweep.", nil, nil)
)

// Counter reports a number of live connections
type Counter interface {
	Count() int
}

// Collector exposes server state to Prometheus. Values are read on scrape.
type Collector struct {
	Store       storage.Store
	Sweep       *SweepMonitor
	Disk        *DiskMonitor
	Connections Counter
}

var _ prometheus.Collector = new(Collector)

func (*Collector) Describe(descCh chan<- *prometheus.Desc) {
	descCh <- hotRecordsDesc
	descCh <- hotClientsDesc
	descCh <- diskBytesDesc
	descCh <- connectionsDesc
	descCh <- sweepHealthyDesc
	descCh <- sweepErrorsDesc
	descCh <- sweepArchived
	descCh <- sweepLastDesc
}

func (c *Collector) Collect(metricsCh chan<- prometheus.Metric) {
	c.collectStore(metricsCh)
	c.collectSweep(metricsCh)

	if c.Disk != nil {
		usage, err := c.Disk.Usage()
		if err != nil {
			log.WithError(err).Debug("Disk usage unavailable for metrics")
		} else {
			metricsCh <- prometheus.MustNewConstMetric(diskBytesDesc, prometheus.GaugeValue, float64(usage.HotBytes), "hot")
			metricsCh <- prometheus.MustNewConstMetric(diskBytesDesc, prometheus.GaugeValue, float64(usage.ArchiveBytes), "archive")
		}
	}
	if c.Connections != nil {
		metricsCh <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(c.Connections.Count()))
	}
}

func (c *Collector) collectStore(metricsCh chan<- prometheus.Metric) {
	if c.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.StatsTimeout)
	defer cancel()

	stats, err := c.Store.Stats(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read store stats for metrics")
		return
	}
	metricsCh <- prometheus.MustNewConstMetric(hotRecordsDesc, prometheus.GaugeValue, float64(stats.TotalRecords))
	metricsCh <- prometheus.MustNewConstMetric(hotClientsDesc, prometheus.GaugeValue, float64(stats.TotalClients))
}

func (c *Collector) collectSweep(metricsCh chan<- prometheus.Metric) {
	if c.Sweep == nil {
		return
	}
	st := c.Sweep.Status()

	var healthy float64
	if st.Healthy {
		healthy = 1
	}
	metricsCh <- prometheus.MustNewConstMetric(sweepHealthyDesc, prometheus.GaugeValue, healthy)
	metricsCh <- prometheus.MustNewConstMetric(sweepErrorsDesc, prometheus.GaugeValue, float64(st.ConsecutiveErrors))
	metricsCh <- prometheus.MustNewConstMetric(sweepArchived, prometheus.CounterValue, float64(st.TotalArchived))

	if last := c.Sweep.LastSuccess(); !last.IsZero() {
		metricsCh <- prometheus.MustNewConstMetric(sweepLastDesc, prometheus.GaugeValue, float64(last.Unix()))
	}
}
