// Package metrics exposes Prometheus counters/gauges for the bridge and a
// local atomic mirror for cheap periodic logging.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/gvretd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	BusRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames received from a bus, by bus index.",
	}, []string{"bus"})
	BusTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames transmitted on a bus, by bus index.",
	}, []string{"bus"})
	BusLoadPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bus_load_percent",
		Help: "Smoothed bus load percentage, by bus index.",
	}, []string{"bus"})
	GvretRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gvret_rx_bytes_total",
		Help: "Total bytes read from the GVRET transport.",
	})
	GvretTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gvret_tx_frames_total",
		Help: "Total captured frame records written to the GVRET output buffer.",
	})
	ElmRxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_rx_lines_total",
		Help: "Total complete lines dispatched to the ELM327 interpreter.",
	})
	ElmTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_tx_frames_total",
		Help: "Total CAN frames emitted by ELM327 PID requests.",
	})
	OutputBufferDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "output_buffer_drops_total",
		Help: "Total whole-record drops due to output buffer overflow, by channel.",
	}, []string{"channel"})
	GvretClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gvret_clients_connected",
		Help: "Whether a GVRET TCP client is currently connected (0 or 1).",
	})
	ElmClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elm_clients_connected",
		Help: "Whether an ELM327 TCP client is currently connected (0 or 1).",
	})
	MalformedCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_commands_total",
		Help: "Total GVRET bytes discarded while the parser was resynchronizing.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	DiagClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagview_clients_connected",
		Help: "Number of websocket clients attached to the diagnostic dashboard.",
	})
	DiagFrameDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagview_frame_drops_total",
		Help: "Frames dropped fanning out to a slow or disconnecting dashboard client.",
	}, []string{"reason"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrGvretRead  = "gvret_read"
	ErrGvretWrite = "gvret_write"
	ErrElmRead    = "elm_read"
	ErrElmWrite   = "elm_write"
	ErrBusRead    = "bus_read"
	ErrBusWrite   = "bus_write"
)

// StartHTTP serves Prometheus metrics and a readiness probe.
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

// Local mirrored counters for cheap periodic logging without scraping Prometheus in-process.
var (
	localGvretTx     uint64
	localElmRx       uint64
	localElmTx       uint64
	localDrops       uint64
	localMalformed   uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	GvretTxFrames uint64
	ElmRxLines    uint64
	ElmTxFrames   uint64
	BufferDrops   uint64
	Malformed     uint64
	Errors        uint64
}

func Snap() Snapshot {
	return Snapshot{
		GvretTxFrames: atomic.LoadUint64(&localGvretTx),
		ElmRxLines:    atomic.LoadUint64(&localElmRx),
		ElmTxFrames:   atomic.LoadUint64(&localElmTx),
		BufferDrops:   atomic.LoadUint64(&localDrops),
		Malformed:     atomic.LoadUint64(&localMalformed),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

func busLabel(bus int) string {
	switch bus {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	case 4:
		return "4"
	default:
		return "n"
	}
}

func IncBusRx(bus int) { BusRxFrames.WithLabelValues(busLabel(bus)).Inc() }
func IncBusTx(bus int) { BusTxFrames.WithLabelValues(busLabel(bus)).Inc() }

func SetBusLoad(bus int, percent uint32) {
	BusLoadPercent.WithLabelValues(busLabel(bus)).Set(float64(percent))
}

func AddGvretRxBytes(n int) { GvretRxBytes.Add(float64(n)) }

func IncGvretTxFrame() {
	GvretTxFrames.Inc()
	atomic.AddUint64(&localGvretTx, 1)
}

func IncElmRxLine() {
	ElmRxLines.Inc()
	atomic.AddUint64(&localElmRx, 1)
}

func IncElmTxFrame() {
	ElmTxFrames.Inc()
	atomic.AddUint64(&localElmTx, 1)
}

func IncOutputBufferDrop(channel string) {
	OutputBufferDrops.WithLabelValues(channel).Inc()
	atomic.AddUint64(&localDrops, 1)
}

func SetGvretClientConnected(connected bool) {
	if connected {
		GvretClientsConnected.Set(1)
	} else {
		GvretClientsConnected.Set(0)
	}
}

func SetElmClientConnected(connected bool) {
	if connected {
		ElmClientsConnected.Set(1)
	} else {
		ElmClientsConnected.Set(0)
	}
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedCommands.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrGvretRead, ErrGvretWrite, ErrElmRead, ErrElmWrite, ErrBusRead, ErrBusWrite} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetDiagClients reports the current diagnostic dashboard client count.
func SetDiagClients(n int) { DiagClientsConnected.Set(float64(n)) }

// IncDiagFrameDrop counts one dropped dashboard fan-out frame by reason
// ("backpressure" or "closed").
func IncDiagFrameDrop(reason string) { DiagFrameDrops.WithLabelValues(reason).Inc() }

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
