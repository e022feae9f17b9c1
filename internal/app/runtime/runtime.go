package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-co-op/gocron"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/httpapi"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/mqttpub"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/observability"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/opcua"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/queue"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/recorder"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/adapters/sim"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/app/config"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/control"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/domain"
	"github.com/QuartzAl/ESP32-Constant-Current-Controller/internal/ports"
)

// Option customizes the dependencies wired into the Runtime.
type Option func(*overrides)

type overrides struct {
	sensor        ports.Sensor
	actuator      ports.Actuator
	observability ports.Observability
	history       ports.HistorySink
	sinks         []ports.SnapshotSink
}

// WithSensor injects a custom sensor (bench rigs, simulators, HIL adapters).
func WithSensor(s ports.Sensor) Option {
	return func(o *overrides) {
		o.sensor = s
	}
}

// WithActuator injects a custom actuator. Required with the opcua backend,
// which only covers the measurement side.
func WithActuator(a ports.Actuator) Option {
	return func(o *overrides) {
		o.actuator = a
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) {
		o.observability = obs
	}
}

// WithHistorySink replaces the Postgres recorder as the destination for
// batched telemetry history.
func WithHistorySink(h ports.HistorySink) Option {
	return func(o *overrides) {
		o.history = h
	}
}

// WithSnapshotSink adds a push transport for every published snapshot,
// alongside any MQTT sink configured in the config file.
func WithSnapshotSink(s ports.SnapshotSink) Option {
	return func(o *overrides) {
		o.sinks = append(o.sinks, s)
	}
}

// connectable is satisfied by sensors that need a session established before
// the first Read, such as the OPC UA adapter.
type connectable interface {
	Connect(ctx context.Context) error
}

// Runtime wires sensor, regulator, telemetry, and control plane together and
// owns their lifecycles. The control loop does not start until the sensor
// answers a probe read; until then the runtime holds the actuator at the
// bottom of its range and reports the fault through telemetry.
type Runtime struct {
	cfg *config.Config
	obs ports.Observability

	sensor   ports.Sensor
	actuator ports.Actuator
	store    *control.Store
	pub      *control.Publisher
	loop     *control.Loop

	queue   ports.SnapshotQueue
	history ports.HistorySink
	db      *sql.DB
	rec     *recorder.PostgresRecorder
	mqtt    *mqttpub.Publisher

	api        *httpapi.Server
	metricsSrv *http.Server
	registry   *prometheus.Registry
	scheduler  *gocron.Scheduler

	cancel      context.CancelFunc
	superviseCh chan struct{}
	flusherCh   chan struct{}
	gaugeStopCh chan struct{}
}

// New bootstraps the default adapters for the given configuration. Options
// override individual dependencies.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	registry := prometheus.NewRegistry()
	obs := ov.observability
	if obs == nil {
		obs = observability.NewPromObs(registry)
	}

	sensor := ov.sensor
	actuator := ov.actuator
	if sensor == nil {
		switch cfg.Sensor.Backend {
		case "sim":
			plant := sim.New(cfg.Sensor.Sim)
			sensor = plant
			if actuator == nil {
				actuator = plant
			}
		case "opcua":
			s, err := opcua.NewSensor(cfg.Sensor.OPCUA)
			if err != nil {
				return nil, err
			}
			sensor = s
		default:
			return nil, fmt.Errorf("unknown sensor backend %q", cfg.Sensor.Backend)
		}
	}
	if actuator == nil {
		return nil, fmt.Errorf("sensor backend %q needs an actuator, use WithActuator", cfg.Sensor.Backend)
	}

	store := control.NewStore(domain.ControlParameters{
		TargetMA:       cfg.Control.TargetMA,
		Kp:             cfg.Control.Kp,
		Ki:             cfg.Control.Ki,
		Kd:             cfg.Control.Kd,
		MaxLimitMA:     cfg.Control.MaxLimitMA,
		ReportInterval: cfg.Control.ReportInterval,
	})
	pid := control.NewPID(cfg.Control.Kp, cfg.Control.Ki, cfg.Control.Kd, cfg.Control.OutMin, cfg.Control.OutMax)

	var (
		db      *sql.DB
		rec     *recorder.PostgresRecorder
		history = ov.history
		q       ports.SnapshotQueue
	)
	if history == nil && cfg.Recorder.ConnString != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Recorder.ConnString)
		if err != nil {
			return nil, err
		}
		rec = recorder.NewPostgresRecorder(db, cfg.Recorder.Table)
		history = rec
	}
	if history != nil {
		qlen := cfg.Recorder.QueueLen
		if qlen <= 0 {
			qlen = 10_000
		}
		q = queue.NewSnapshotQueue(qlen)
	}

	sinks := ov.sinks
	var mq *mqttpub.Publisher
	if cfg.MQTT.Broker != "" {
		var err error
		mq, err = mqttpub.NewPublisher(cfg.MQTT)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, mq)
	}

	pub := control.NewPublisher(q, sinks, obs)

	loop := control.NewLoop(control.LoopConfig{
		Period:        cfg.Control.Period,
		MaxBusVoltage: cfg.Control.MaxBusVoltage,
		SafetyOutput:  control.SafetyOutput(cfg.Control.FeedbackVoltage, cfg.Control.FullScaleVoltage, cfg.Control.OutMax),
		OutMin:        cfg.Control.OutMin,
		MaxReadFaults: cfg.Control.MaxReadFaults,
	}, sensor, actuator, store, pid, pub, obs)

	api := httpapi.NewServer(cfg.HTTP.Addr, store, pub, sensor, obs)

	return &Runtime{
		cfg:      cfg,
		obs:      obs,
		sensor:   sensor,
		actuator: actuator,
		store:    store,
		pub:      pub,
		loop:     loop,
		queue:    q,
		history:  history,
		db:       db,
		rec:      rec,
		mqtt:     mq,
		api:      api,
		registry: registry,
	}, nil
}

// Start launches the control plane, metrics endpoint, history pipeline, and
// the supervised control loop. It returns immediately; call Run to block on a
// context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.api.Start()
	r.startMetrics()

	if r.mqtt != nil {
		go func() {
			if err := r.mqtt.Connect(); err != nil {
				r.obs.LogError("mqtt_connect_failed", err)
			}
		}()
	}

	if r.history != nil {
		r.flusherCh = make(chan struct{})
		go func() {
			recorder.RunFlusher(ctx, r.queue, r.history, r.cfg.Recorder.BatchSize, r.cfg.Recorder.FlushEvery, r.obs)
			close(r.flusherCh)
		}()
	}

	if r.rec != nil && r.cfg.Recorder.Retention > 0 {
		r.scheduler = gocron.NewScheduler(time.UTC)
		_, err := r.scheduler.Every(1).Hour().Do(r.pruneHistory)
		if err != nil {
			cancel()
			return err
		}
		r.scheduler.StartAsync()
	}

	r.superviseCh = make(chan struct{})
	go func() {
		r.supervise(ctx)
		close(r.superviseCh)
	}()

	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled,
// then attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the control loop, servers, and connections.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.cancel != nil {
		r.cancel()
	}
	if r.superviseCh != nil {
		<-r.superviseCh
	}
	if r.flusherCh != nil {
		<-r.flusherCh
	}
	if r.gaugeStopCh != nil {
		close(r.gaugeStopCh)
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
	}

	if err := r.api.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if err := r.sensor.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// supervise brings the sensor up before handing control to the loop. Probe
// failures park the actuator and are retried with exponential backoff, capped
// at 30 seconds, so a rebooting sensor head does not wedge the service.
func (r *Runtime) supervise(ctx context.Context) {
	backoff := time.Second
	for {
		err := r.probeSensor(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}

		r.enterFault(fmt.Sprintf("sensor unavailable: %v", err))
		r.obs.IncCounter("currentd_sensor_init_retries_total", 1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	r.clearFault()

	params := r.store.Read()
	if err := r.sensor.Calibrate(params.MaxLimitMA); err != nil {
		r.obs.LogError("sensor_calibrate_failed", err,
			ports.Field{Key: "max_limit_ma", Value: params.MaxLimitMA})
	}

	if err := r.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.obs.LogCritical("control_loop_exited", err)
	}
}

func (r *Runtime) probeSensor(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if c, ok := r.sensor.(connectable); ok {
		if err := c.Connect(probeCtx); err != nil {
			return err
		}
	}
	_, err := r.sensor.Read(probeCtx)
	return err
}

func (r *Runtime) enterFault(reason string) {
	r.obs.LogError("sensor_fault", errors.New(reason))
	if err := r.actuator.Drive(r.cfg.Control.OutMin); err != nil {
		r.obs.LogError("actuator_drive_failed", err,
			ports.Field{Key: "level", Value: r.cfg.Control.OutMin})
	}
	r.pub.SetFault(reason)
	now := time.Now()
	r.pub.PublishNow(domain.Sample{Timestamp: now}, r.store.Read(), domain.SafetyNormal, now)
}

func (r *Runtime) clearFault() {
	if r.pub.Fault() == "" {
		return
	}
	r.pub.SetFault("")
	r.obs.LogInfo("sensor_fault_cleared")
	now := time.Now()
	r.pub.PublishNow(domain.Sample{Timestamp: now}, r.store.Read(), domain.SafetyNormal, now)
}

func (r *Runtime) pruneHistory() {
	rows, err := r.rec.Prune(r.cfg.Recorder.Retention)
	if err != nil {
		r.obs.LogError("history_prune_failed", err)
		return
	}
	if rows > 0 {
		r.obs.LogInfo("history_pruned", ports.Field{Key: "rows", Value: rows})
	}
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Addr:    r.cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	if r.queue != nil {
		r.gaugeStopCh = make(chan struct{})
		go r.recordQueueGauge(r.gaugeStopCh, time.Second)
	}
}

func (r *Runtime) recordQueueGauge(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.obs.SetGauge("currentd_history_queue_length", float64(r.queue.Len()))
		}
	}
}
