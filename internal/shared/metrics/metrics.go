package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	draftsSavedTotal       atomic.Uint64
	queueEnqueuedTotal     atomic.Uint64
	deliveriesSucceeded    atomic.Uint64
	deliveriesFailed       atomic.Uint64
	deliveriesRejected     atomic.Uint64
	mediaUploadsCompleted  atomic.Uint64
	mediaUploadsFailed     atomic.Uint64
	serializationAnomalies atomic.Uint64
	templateCacheFallbacks atomic.Uint64
	queuePending           atomic.Int64

	draftSaveDuration = newHistogram([]float64{1, 2, 5, 10, 25, 50, 100, 250})
	deliveryDuration  = newHistogram([]float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000})
)

// IncDraftsSaved increments the saved-draft counter.
func IncDraftsSaved() {
	draftsSavedTotal.Add(1)
}

// IncQueueEnqueued increments the enqueue counter.
func IncQueueEnqueued() {
	queueEnqueuedTotal.Add(1)
}

// IncDeliverySucceeded increments the delivered counter.
func IncDeliverySucceeded() {
	deliveriesSucceeded.Add(1)
}

// IncDeliveryFailed increments the transient failure counter.
func IncDeliveryFailed() {
	deliveriesFailed.Add(1)
}

// IncDeliveryRejected increments the rejected counter.
func IncDeliveryRejected() {
	deliveriesRejected.Add(1)
}

// IncMediaCompleted increments the completed upload counter.
func IncMediaCompleted() {
	mediaUploadsCompleted.Add(1)
}

// IncMediaFailed increments the failed upload counter.
func IncMediaFailed() {
	mediaUploadsFailed.Add(1)
}

// IncSerializationAnomaly counts degraded answer values.
func IncSerializationAnomaly() {
	serializationAnomalies.Add(1)
}

// IncTemplateCacheFallback counts template fetches served from cache after a network failure.
func IncTemplateCacheFallback() {
	templateCacheFallbacks.Add(1)
}

// SetQueuePending records the current queue depth.
func SetQueuePending(n int) {
	queuePending.Store(int64(n))
}

// ObserveDraftSaveMs records a draft save duration in milliseconds.
func ObserveDraftSaveMs(value float64) {
	if value < 0 {
		value = 0
	}
	draftSaveDuration.Observe(value)
}

// ObserveDeliveryMs records a delivery duration in milliseconds.
func ObserveDeliveryMs(value float64) {
	if value < 0 {
		value = 0
	}
	deliveryDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "drafts_saved_total", "Total draft saves", draftsSavedTotal.Load())
	writeCounter(&buf, "queue_enqueued_total", "Total submission queue upserts", queueEnqueuedTotal.Load())
	writeCounter(&buf, "deliveries_succeeded_total", "Queue entries delivered", deliveriesSucceeded.Load())
	writeCounter(&buf, "deliveries_failed_total", "Transient delivery failures", deliveriesFailed.Load())
	writeCounter(&buf, "deliveries_rejected_total", "Deliveries rejected by the server", deliveriesRejected.Load())
	writeCounter(&buf, "media_uploads_completed_total", "Media uploads completed", mediaUploadsCompleted.Load())
	writeCounter(&buf, "media_uploads_failed_total", "Media upload attempts failed", mediaUploadsFailed.Load())
	writeCounter(&buf, "answer_serialization_anomalies_total", "Answer values stored in degraded form", serializationAnomalies.Load())
	writeCounter(&buf, "template_cache_fallbacks_total", "Template fetches served from cache after a failure", templateCacheFallbacks.Load())
	writeGauge(&buf, "queue_pending", "Live submission queue entries", queuePending.Load())
	writeHistogram(&buf, "draft_save_duration_ms", "Draft save duration in milliseconds", draftSaveDuration.Snapshot())
	writeHistogram(&buf, "delivery_duration_ms", "Queue entry delivery duration in milliseconds", deliveryDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeGauge(buf *bytes.Buffer, name, help string, value int64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s gauge\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SinceMillis returns the elapsed time since start in milliseconds.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
