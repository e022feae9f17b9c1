// Package httpapi is the network control plane: a small fixed route table
// that reads telemetry snapshots and writes control parameters. Handlers hold
// only the narrow capabilities below, never the control loop itself.
package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/control"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

//go:embed assets/index.html
var indexHTML []byte

// SnapshotReader is the read capability handed to handlers.
type SnapshotReader interface {
	Latest() *domain.TelemetrySnapshot
	Subscribe() chan *domain.TelemetrySnapshot
	Unsubscribe(ch chan *domain.TelemetrySnapshot)
	Fault() string
}

// ParameterWriter is the write capability handed to handlers.
type ParameterWriter interface {
	Read() domain.ControlParameters
	SetTarget(mA float64) error
	SetGains(kp, ki, kd float64) error
	SetMaxLimit(mA float64) error
	SetReportInterval(d time.Duration) error
}

// Calibrator lets a limit change propagate to the sensor's measurement range.
type Calibrator interface {
	Calibrate(maxCurrentMA float64) error
}

type Server struct {
	params     ParameterWriter
	snapshots  SnapshotReader
	calibrator Calibrator
	obs        ports.Observability
	srv        *http.Server
}

func NewServer(addr string, params ParameterWriter, snapshots SnapshotReader, calibrator Calibrator, obs ports.Observability) *Server {
	s := &Server{
		params:     params,
		snapshots:  snapshots,
		calibrator: calibrator,
		obs:        obs,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/data", s.handleData).Methods(http.MethodGet)
	r.HandleFunc("/set", s.handleSet).Methods(http.MethodGet)
	r.HandleFunc("/setpid", s.handleSetPID).Methods(http.MethodGet)
	r.HandleFunc("/setadvanced", s.handleSetAdvanced).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("control plane server exited: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshots.Latest()
	if snap == nil {
		// no tick has published yet; serve the parameters with an empty
		// measurement so the dashboard can populate its controls
		p := s.params.Read()
		snap = &domain.TelemetrySnapshot{
			Timestamp:   time.Now(),
			TargetMA:    p.TargetMA,
			Kp:          p.Kp,
			Ki:          p.Ki,
			Kd:          p.Kd,
			MaxLimitMA:  p.MaxLimitMA,
			SSEInterval: p.ReportInterval.Seconds(),
			Safety:      domain.SafetyNormal,
			Fault:       s.snapshots.Fault(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.obs.LogError("data_encode_failed", err)
	}
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	value, ok := queryFloat(r, "current")
	if !ok {
		badRequest(w)
		return
	}
	if err := s.params.SetTarget(value); err != nil {
		badRequest(w)
		return
	}
	okResponse(w)
}

func (s *Server) handleSetPID(w http.ResponseWriter, r *http.Request) {
	kp, okP := queryFloat(r, "kp")
	ki, okI := queryFloat(r, "ki")
	kd, okD := queryFloat(r, "kd")
	if !okP || !okI || !okD {
		badRequest(w)
		return
	}
	if err := s.params.SetGains(kp, ki, kd); err != nil {
		badRequest(w)
		return
	}
	okResponse(w)
}

func (s *Server) handleSetAdvanced(w http.ResponseWriter, r *http.Request) {
	maxRaw := r.URL.Query().Get("max")
	intervalRaw := r.URL.Query().Get("interval")
	if maxRaw == "" && intervalRaw == "" {
		badRequest(w)
		return
	}

	// parse everything before applying anything: a request either takes
	// effect in full or not at all
	var (
		maxLimit, intervalSec float64
		err                   error
	)
	if maxRaw != "" {
		if maxLimit, err = strconv.ParseFloat(maxRaw, 64); err != nil {
			badRequest(w)
			return
		}
	}
	if intervalRaw != "" {
		if intervalSec, err = strconv.ParseFloat(intervalRaw, 64); err != nil {
			badRequest(w)
			return
		}
	}

	if maxRaw != "" {
		if err := s.params.SetMaxLimit(maxLimit); err != nil {
			badRequest(w)
			return
		}
		if s.calibrator != nil {
			if err := s.calibrator.Calibrate(maxLimit); err != nil {
				s.obs.LogError("sensor_recalibration_failed", err, ports.Field{Key: "max_ma", Value: maxLimit})
			}
		}
	}
	if intervalRaw != "" {
		if err := s.params.SetReportInterval(time.Duration(intervalSec * float64(time.Second))); err != nil {
			badRequest(w)
			return
		}
	}
	okResponse(w)
}

// handleEvents streams telemetry as Server-Sent Events. Clients are told to
// reconnect after one second and greeted with a hello frame before the first
// snapshot arrives.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.snapshots.Subscribe()
	defer s.snapshots.Unsubscribe(ch)

	_, _ = w.Write([]byte("retry: 1000\n\ndata: hello!\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-ch:
			payload, err := json.Marshal(snap)
			if err != nil {
				s.obs.LogError("sse_encode_failed", err)
				continue
			}
			if _, err := w.Write([]byte("event: message\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func queryFloat(r *http.Request, key string) (float64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func okResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

func badRequest(w http.ResponseWriter) {
	http.Error(w, "Bad Request", http.StatusBadRequest)
}

var _ ParameterWriter = (*control.Store)(nil)
var _ SnapshotReader = (*control.Publisher)(nil)
