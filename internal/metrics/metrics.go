package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/canlink/can-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	UDPRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_rx_packets_total",
		Help: "Total session packets received from the multicast group.",
	})
	UDPTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "udp_tx_packets_total",
		Help: "Total session packets sent to the multicast group.",
	})
	CANRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from local channels.",
	}, []string{"channel"})
	CANTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to local channels.",
	}, []string{"channel"})
	SessionStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_starts_total",
		Help: "Total sessions started via the control plane.",
	})
	SessionStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_stops_total",
		Help: "Total sessions stopped (control plane or restart teardown).",
	})
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_active",
		Help: "1 while a multicast session is active, else 0.",
	})
	HealthReports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "health_reports_total",
		Help: "Total health reports published in response to requests.",
	})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_packets_total",
		Help: "Total rejected malformed packets (truncated, bad type, invalid length).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrUDPWrite = "udp_write"
	ErrUDPRead  = "udp_read"
	ErrSocket   = "socket_join"
	ErrCANRead  = "can_read"
	ErrCANWrite = "can_write"
	ErrControl  = "control"
	ErrHealth   = "health_update"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localUDPRx     uint64
	localUDPTx     uint64
	localCANRx     uint64 // summed across channels
	localCANTx     uint64
	localStarts    uint64
	localStops     uint64
	localReports   uint64
	localMalformed uint64
	localErrors    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	UDPRx         uint64
	UDPTx         uint64
	CANRx         uint64
	CANTx         uint64
	SessionStarts uint64
	SessionStops  uint64
	HealthReports uint64
	Malformed     uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		UDPRx:         atomic.LoadUint64(&localUDPRx),
		UDPTx:         atomic.LoadUint64(&localUDPTx),
		CANRx:         atomic.LoadUint64(&localCANRx),
		CANTx:         atomic.LoadUint64(&localCANTx),
		SessionStarts: atomic.LoadUint64(&localStarts),
		SessionStops:  atomic.LoadUint64(&localStops),
		HealthReports: atomic.LoadUint64(&localReports),
		Malformed:     atomic.LoadUint64(&localMalformed),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncUDPRx() {
	UDPRxPackets.Inc()
	atomic.AddUint64(&localUDPRx, 1)
}

func IncUDPTx() {
	UDPTxPackets.Inc()
	atomic.AddUint64(&localUDPTx, 1)
}

// IncCANRx increments the receive counter for one named channel.
func IncCANRx(channel string) {
	CANRxFrames.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localCANRx, 1)
}

// IncCANTx increments the transmit counter for one named channel.
func IncCANTx(channel string) {
	CANTxFrames.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncSessionStart() {
	SessionStarts.Inc()
	SessionActive.Set(1)
	atomic.AddUint64(&localStarts, 1)
}

func IncSessionStop() {
	SessionStops.Inc()
	SessionActive.Set(0)
	atomic.AddUint64(&localStops, 1)
}

func IncHealthReport() {
	HealthReports.Inc()
	atomic.AddUint64(&localReports, 1)
}

func IncMalformed() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrUDPWrite, ErrUDPRead, ErrSocket,
		ErrCANRead, ErrCANWrite, ErrControl, ErrHealth,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
