package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
)

const metricsJobName = "ka9q_aptrx"

// metricNamePrefix starts every metric this service registers
const metricNamePrefix = "aptrx_"

// PrometheusMetrics holds the collectors for the decoder, RTP transport,
// viewers and process resources. All methods are safe on a nil receiver.
type PrometheusMetrics struct {
	// APT decoder
	imageRows      prometheus.Gauge
	zenithRow      prometheus.Gauge
	ringBacklog    prometheus.Gauge
	ringOverruns   prometheus.Gauge
	levelAvg       prometheus.Gauge
	levelPeak      prometheus.Gauge
	droppedEvents  prometheus.Gauge
	imagesSaved    prometheus.Counter
	passesTotal    *prometheus.CounterVec
	decodeEnabled  prometheus.Gauge
	channelLabelID *prometheus.GaugeVec

	// RTP intake and forwarding
	rtpPackets       prometheus.Counter
	rtpBytes         prometheus.Counter
	rtpGaps          prometheus.Counter
	rtpQueueDrops    prometheus.Gauge
	forwardedPackets prometheus.Counter
	ssrcCollisions   prometheus.Counter

	// Viewers
	wsConnectionsTotal  *prometheus.CounterVec
	wsActiveConnections prometheus.Gauge
	wsMessagesSent      *prometheus.CounterVec
	wsMessagesReceived  *prometheus.CounterVec

	// Process
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	cpuPercent       prometheus.Gauge

	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics registers every collector with the default registry
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		imageRows: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_image_rows",
			Help: "Scanlines in the current image",
		}),
		zenithRow: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_zenith_row",
			Help: "Row with the strongest signal in the current image",
		}),
		ringBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_ring_backlog_samples",
			Help: "Demodulated audio samples waiting for the row decoder",
		}),
		ringOverruns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_ring_overrun_samples",
			Help: "Audio samples dropped because the ring buffer was full",
		}),
		levelAvg: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_channel_level_avg_db",
			Help: "Average channel power since the last scrape interval in dB",
		}),
		levelPeak: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_channel_level_peak_db",
			Help: "Peak channel power since the last scrape interval in dB",
		}),
		droppedEvents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_dropped_events",
			Help: "Image events dropped because no consumer kept up",
		}),
		imagesSaved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_images_saved_total",
			Help: "Image files written",
		}),
		passesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aptrx_passes_total",
			Help: "Satellite passes started",
		}, []string{"satellite"}),
		decodeEnabled: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_decode_enabled",
			Help: "1 while the row decoder is enabled",
		}),
		channelLabelID: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aptrx_channel_id",
			Help: "Calibrated sensor channel ID per image channel (0 = unknown)",
		}, []string{"channel"}),

		rtpPackets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_rtp_packets_total",
			Help: "IQ RTP packets accepted from radiod",
		}),
		rtpBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_rtp_payload_bytes_total",
			Help: "IQ RTP payload bytes accepted from radiod",
		}),
		rtpGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_rtp_sequence_gaps_total",
			Help: "Missing IQ RTP packets detected from sequence numbers",
		}),
		rtpQueueDrops: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_rtp_queue_dropped",
			Help: "Packets dropped because the receive queue was full",
		}),
		forwardedPackets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_forwarded_packets_total",
			Help: "Audio RTP packets sent by the forwarder",
		}),
		ssrcCollisions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_ssrc_collisions_total",
			Help: "Times the forwarder changed SSRC after a collision",
		}),

		wsConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aptrx_websocket_connections_total",
			Help: "Viewer websocket connections by browser family and country",
		}, []string{"browser", "country"}),
		wsActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_websocket_active_connections",
			Help: "Connected viewers",
		}),
		wsMessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aptrx_websocket_messages_sent_total",
			Help: "Frames sent to viewers by type",
		}, []string{"type"}),
		wsMessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aptrx_websocket_messages_received_total",
			Help: "Control messages received from viewers by type",
		}, []string{"type"}),

		goroutineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),
		memoryHeapBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_memory_heap_bytes",
			Help: "Heap bytes in use",
		}),
		cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_cpu_percent",
			Help: "System CPU usage percent",
		}),

		pushgatewayPushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_pushgateway_pushes_total",
			Help: "Pushgateway push attempts",
		}),
		pushgatewayFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aptrx_pushgateway_failures_total",
			Help: "Failed Pushgateway pushes",
		}),
		pushgatewayLastPushTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aptrx_pushgateway_last_push_timestamp",
			Help: "Unix time of the last successful push",
		}),
	}

	log.Println("Prometheus metrics initialized")
	return pm
}

func toDB(power float64) float64 {
	if power <= 0 {
		return -200
	}
	return 10 * math.Log10(power)
}

// UpdateAPTStatus copies a pipeline snapshot into the gauges
func (pm *PrometheusMetrics) UpdateAPTStatus(st apt.Status, avg, peak float64) {
	if pm == nil {
		return
	}
	pm.imageRows.Set(float64(st.Image.Rows))
	pm.zenithRow.Set(float64(st.Image.Zenith))
	pm.ringBacklog.Set(float64(st.Demod.Backlog))
	pm.ringOverruns.Set(float64(st.Demod.Overruns))
	pm.droppedEvents.Set(float64(st.Image.DroppedEvents))
	pm.levelAvg.Set(toDB(avg))
	pm.levelPeak.Set(toDB(peak))
	if st.Settings.DecodeEnabled {
		pm.decodeEnabled.Set(1)
	} else {
		pm.decodeEnabled.Set(0)
	}
	if len(st.Image.Labels) == 2 {
		pm.RecordChannelIDs(channelID(st.Image.Labels[0]), channelID(st.Image.Labels[1]))
	}
}

// channelID maps a wavelength label back to its telemetry channel ID, 0 if unknown
func channelID(label string) int {
	for id := 1; id <= 6; id++ {
		if apt.ChannelLabel(id) == label {
			return id
		}
	}
	return 0
}

// RecordChannelIDs records the calibrated channel IDs
func (pm *PrometheusMetrics) RecordChannelIDs(a, b int) {
	if pm == nil {
		return
	}
	pm.channelLabelID.WithLabelValues("a").Set(float64(a))
	pm.channelLabelID.WithLabelValues("b").Set(float64(b))
}

func (pm *PrometheusMetrics) RecordImagesSaved(n int) {
	if pm == nil {
		return
	}
	pm.imagesSaved.Add(float64(n))
}

func (pm *PrometheusMetrics) RecordPass(satellite string) {
	if pm == nil {
		return
	}
	pm.passesTotal.WithLabelValues(satellite).Inc()
}

func (pm *PrometheusMetrics) RecordRTPPacket(payloadBytes int, gap int) {
	if pm == nil {
		return
	}
	pm.rtpPackets.Inc()
	pm.rtpBytes.Add(float64(payloadBytes))
	if gap > 0 {
		pm.rtpGaps.Add(float64(gap))
	}
}

func (pm *PrometheusMetrics) RecordQueueDrops(n uint64) {
	if pm == nil {
		return
	}
	pm.rtpQueueDrops.Set(float64(n))
}

func (pm *PrometheusMetrics) RecordForwardedPacket() {
	if pm == nil {
		return
	}
	pm.forwardedPackets.Inc()
}

func (pm *PrometheusMetrics) RecordSSRCCollision() {
	if pm == nil {
		return
	}
	pm.ssrcCollisions.Inc()
}

func (pm *PrometheusMetrics) RecordWSConnection(browser, country string) {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.WithLabelValues(browser, country).Inc()
	pm.wsActiveConnections.Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect() {
	if pm == nil {
		return
	}
	pm.wsActiveConnections.Dec()
}

func (pm *PrometheusMetrics) RecordWSMessageSent(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesSent.WithLabelValues(msgType).Inc()
}

func (pm *PrometheusMetrics) RecordWSMessageReceived(msgType string) {
	if pm == nil {
		return
	}
	pm.wsMessagesReceived.WithLabelValues(msgType).Inc()
}

// updateResourceMetrics updates runtime resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.cpuPercent.Set(pct[0])
	}
}

// StartStatusUpdater refreshes the decoder and resource gauges until ctx is done
func (pm *PrometheusMetrics) StartStatusUpdater(ctx context.Context, pipeline *apt.Pipeline, interval time.Duration) {
	if pm == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			avg, peak := pipeline.Levels()
			pm.UpdateAPTStatus(pipeline.Status(), avg, peak)
			pm.updateResourceMetrics()
		}
	}
}

// StartPushgatewayWorker periodically pushes metrics to the Pushgateway until ctx is done
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}
	pg := config.Prometheus.Pushgateway
	if pg.URL == "" || pg.Instance == "" || pg.Token == "" {
		if DebugMode {
			log.Println("DEBUG: Pushgateway not fully configured, skipping push worker")
		}
		return
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		pg.URL, metricsJobName, pg.Instance, pg.Interval)

	pushOnce := func() {
		pm.pushgatewayPushesTotal.Inc()
		if err := pm.pushToGateway(config); err != nil {
			pm.pushgatewayFailuresTotal.Inc()
			log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			return
		}
		pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
		if DebugMode {
			log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
		}
	}

	ticker := time.NewTicker(time.Duration(pg.Interval) * time.Second)
	defer ticker.Stop()
	pushOnce()
	for {
		select {
		case <-ctx.Done():
			log.Println("Pushgateway worker stopped")
			return
		case <-ticker.C:
			pushOnce()
		}
	}
}

func (pm *PrometheusMetrics) pushToGateway(config *Config) error {
	pg := config.Prometheus.Pushgateway
	pusher := push.New(pg.URL, metricsJobName).
		Gatherer(prometheus.DefaultGatherer).
		BasicAuth(pg.Instance, pg.Token).
		Grouping("instance", pg.Instance).
		Grouping("frequency_hz", fmt.Sprintf("%d", config.Receiver.Frequency)).
		Grouping("version", Version)
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}

// handlePrometheusMetrics serves /metrics to allowed hosts only
func handlePrometheusMetrics(w http.ResponseWriter, r *http.Request, config *Config) {
	clientIP := getClientIP(r)
	if !config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

// getClientIP returns the remote IP of a request without the port
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
