package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-can-controller/internal/logging"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames accepted by the software filter.",
	})
	RxFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_filtered_total",
		Help: "Total CAN frames rejected by the software filter.",
	})
	RxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_dropped_total",
		Help: "Total accepted frames dropped due to a full software queue.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames handed to the controller for transmission.",
	})
	TxFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_failed_total",
		Help: "Total transmissions rejected or timed out by the controller.",
	})
	BusOff = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_off_total",
		Help: "Total bus-off conditions observed.",
	})
	BusRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_bus_recovered_total",
		Help: "Total completed bus-off recoveries.",
	})
	AlertsSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_alerts_total",
		Help: "Controller alerts by kind.",
	}, []string{"alert"})
	RxQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_queue_depth",
		Help: "Frames currently queued for the foreground consumer.",
	})
	RxQueueHighWater = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_queue_high_water",
		Help: "Highest observed software queue depth since pump start.",
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
	ErrDeviceRead  = "device_read"
	ErrDeviceAlert = "device_alert_read"
	ErrDeviceWrite = "device_write"
	ErrConfigLoad  = "config_load"
	ErrConfigSave  = "config_save"
	ErrUpload      = "upload_parse"
	ErrSerialRead  = "serial_read"
)

// Alert label constants matching the twai alert bit names.
const (
	AlertTxFailed    = "tx_failed"
	AlertErrPassive  = "err_passive"
	AlertBusError    = "bus_error"
	AlertRxQueueFull = "rx_queue_full"
	AlertBusOff      = "bus_off"
	AlertRecovered   = "bus_recovered"
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging (avoids scraping the
// Prometheus registry from the metrics logger).
var (
	localRx        uint64
	localFiltered  uint64
	localDropped   uint64
	localTx        uint64
	localTxFailed  uint64
	localBusOff    uint64
	localRecovered uint64
	localAlerts    uint64
	localErrors    uint64
	localQDepth    uint64
	localQHigh     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx             uint64
	Filtered       uint64
	Dropped        uint64
	Tx             uint64
	TxFailed       uint64
	BusOff         uint64
	Recovered      uint64
	Alerts         uint64
	Errors         uint64
	QueueDepth     uint64
	QueueHighWater uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rx:             atomic.LoadUint64(&localRx),
		Filtered:       atomic.LoadUint64(&localFiltered),
		Dropped:        atomic.LoadUint64(&localDropped),
		Tx:             atomic.LoadUint64(&localTx),
		TxFailed:       atomic.LoadUint64(&localTxFailed),
		BusOff:         atomic.LoadUint64(&localBusOff),
		Recovered:      atomic.LoadUint64(&localRecovered),
		Alerts:         atomic.LoadUint64(&localAlerts),
		Errors:         atomic.LoadUint64(&localErrors),
		QueueDepth:     atomic.LoadUint64(&localQDepth),
		QueueHighWater: atomic.LoadUint64(&localQHigh),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncRxFiltered() {
	RxFiltered.Inc()
	atomic.AddUint64(&localFiltered, 1)
}

func IncRxDropped() {
	RxDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncTx() {
	TxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncTxFailed() {
	TxFailed.Inc()
	atomic.AddUint64(&localTxFailed, 1)
}

func IncBusOff() {
	BusOff.Inc()
	atomic.AddUint64(&localBusOff, 1)
}

func IncBusRecovered() {
	BusRecovered.Inc()
	atomic.AddUint64(&localRecovered, 1)
}

func IncAlert(label string) {
	AlertsSeen.WithLabelValues(label).Inc()
	atomic.AddUint64(&localAlerts, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetQueueDepth records a software queue depth sample.
func SetQueueDepth(depth, highWater int) {
	RxQueueDepth.Set(float64(depth))
	RxQueueHighWater.Set(float64(highWater))
	atomic.StoreUint64(&localQDepth, uint64(depth))
	atomic.StoreUint64(&localQHigh, uint64(highWater))
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first increment is cheap.
	for _, lbl := range []string{
		ErrDeviceRead, ErrDeviceAlert, ErrDeviceWrite,
		ErrConfigLoad, ErrConfigSave, ErrUpload, ErrSerialRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, lbl := range []string{
		AlertTxFailed, AlertErrPassive, AlertBusError,
		AlertRxQueueFull, AlertBusOff, AlertRecovered,
	} {
		AlertsSeen.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet, treat as ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
