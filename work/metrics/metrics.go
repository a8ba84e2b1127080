package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChannelsRegistered tracks the current number of channels in the registry.
// This metric is a gauge updated after every reconcile pass.
var ChannelsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "redcarrd_channels_registered",
	Help: "Number of channels currently registered",
})

// ReconcileOps counts reconcile outcomes across rebuild passes.
// The "op" label is one of added, updated or removed. This metric is a
// counter and only increases.
var ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redcarrd_reconcile_ops_total",
	Help: "Channels added/updated/removed by reconcile passes",
}, []string{"op"})

// JobsActive tracks the number of live jobs per job-manager kind
// (restream, transmux, capture). Gauge, moves with job creation/eviction.
var JobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "redcarrd_jobs_active",
	Help: "Currently live jobs by kind",
}, []string{"kind"})

// TranscodersRunning tracks transcoder processes currently holding a
// resource-monitor slot.
var TranscodersRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "redcarrd_transcoders_running",
	Help: "Transcoder processes currently holding a slot",
})

// SlotWaitSeconds observes how long spawn calls waited on the resource
// monitor before being granted a slot.
var SlotWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "redcarrd_slot_wait_seconds",
	Help:    "Time spent waiting for a transcoder slot",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

// Detections counts stream detection attempts. The "phase" label is
// sniff or inspect, the "result" label is hit or miss.
var Detections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redcarrd_detections_total",
	Help: "Stream detection attempts by phase and result",
}, []string{"phase", "result"})

// ProxyRequests counts HLS delivery requests. The "endpoint" label is one
// of manifest, proxy or local; "status" is the HTTP status class returned.
var ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redcarrd_proxy_requests_total",
	Help: "HLS proxy requests by endpoint and status",
}, []string{"endpoint", "status"})

// UpstreamBytes counts bytes relayed from upstream sources to clients.
var UpstreamBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "redcarrd_upstream_bytes_total",
	Help: "Bytes relayed from upstream sources",
})

// DocumentRequests counts playlist and guide requests. The "document" label
// is playlist or epg; "result" is built, cached or not_ready.
var DocumentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redcarrd_document_requests_total",
	Help: "Playlist and EPG requests by document and result",
}, []string{"document", "result"})

// CaptureFrames counts screencast frames by disposition: written frames
// reached the transcoder, dropped frames exceeded the target rate, paused
// frames arrived while the pipeline was backpressured.
var CaptureFrames = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "redcarrd_capture_frames_total",
	Help: "Screencast frames by disposition",
}, []string{"disposition"})

// ProcessStates tracks orchestrated transcoder processes by state
// (initializing, running, healthy, degraded, crashed, killed).
var ProcessStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "redcarrd_process_states",
	Help: "Orchestrated transcoder processes by state",
}, []string{"state"})
