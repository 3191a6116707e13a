package picoscope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilyaradko/PicoScope/internal/adapters/driver/ps2000"
	"github.com/ilyaradko/PicoScope/internal/adapters/driver/sim"
	"github.com/ilyaradko/PicoScope/internal/adapters/journal"
	"github.com/ilyaradko/PicoScope/internal/adapters/observability"
	"github.com/ilyaradko/PicoScope/internal/adapters/opcua"
	"github.com/ilyaradko/PicoScope/internal/adapters/sink"
	"github.com/ilyaradko/PicoScope/internal/app/pipeline"
	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/logging"
	"github.com/ilyaradko/PicoScope/internal/ports"
	"github.com/ilyaradko/PicoScope/internal/scope"
)

// MetricsDisabled as metrics.addr turns the HTTP endpoint off.
const MetricsDisabled = "off"

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	driver        Driver
	sinks         []Sink
	transformer   Transformer
	observability Observability
	registry      *prometheus.Registry
	logger        *slog.Logger
	logOutput     io.Writer
}

// WithDriver replaces the driver selected by device.driver.
func WithDriver(d Driver) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.driver = d
	}
}

// WithSink adds a sink. When any sink is given the configured sinks are
// not built.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithTransformer overrides the averaging transformer.
func WithTransformer(t Transformer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.transformer = t
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithLogOutput sends the configured logger to w instead of stderr.
func WithLogOutput(w io.Writer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logOutput = w
	}
}

func applyOptions(opts []RuntimeOption) runtimeOverrides {
	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Runtime wires device → capture session → ring → dispatcher → sinks and
// exposes lifecycle hooks for embedding the capture in any Go service.
type Runtime struct {
	cfg         *Config
	log         *slog.Logger
	obs         ports.Observability
	reg         *prometheus.Registry
	driver      ports.Driver
	sink        *sink.Fanout
	transformer ports.Transformer

	db        *sql.DB
	timescale *sink.TimescaleSink
	journal   *journal.Journal
	opcua     *opcua.Sink

	mu          sync.Mutex
	dev         *scope.Device
	session     *scope.Session
	disp        *pipeline.Dispatcher
	metricsSrv  *http.Server
	metricsLn   net.Listener
	dispCancel  context.CancelFunc
	dispDone    chan struct{}
	dispErr     error
	capCancel   context.CancelFunc
	capDone     chan struct{}
	started     bool
	shutdown    sync.Once
	shutdownErr error
}

// NewRuntime builds the configured adapters: driver, sinks, Prometheus
// observability. Options override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := applyOptions(opts)

	logger, err := buildLogger(cfg, o)
	if err != nil {
		return nil, err
	}

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	obs := o.observability
	if obs == nil {
		obs = observability.NewPromObs(reg, logger)
	}

	drv := o.driver
	if drv == nil {
		drv = newDriver(cfg)
	}

	rt := &Runtime{
		cfg:         cfg,
		log:         logger,
		obs:         obs,
		reg:         reg,
		driver:      drv,
		transformer: o.transformer,
	}
	if rt.transformer == nil && cfg.Averaging.Window > 1 {
		rt.transformer = NewMeanReducer(cfg.Averaging.Window)
	}

	sinks := o.sinks
	if len(sinks) == 0 {
		if sinks, err = rt.buildSinks(); err != nil {
			rt.closeSinks(context.Background())
			return nil, err
		}
	}
	rt.sink = sink.NewFanout(sinks...)
	return rt, nil
}

func buildLogger(cfg *Config, o runtimeOverrides) (*slog.Logger, error) {
	if o.logger != nil {
		return o.logger, nil
	}
	return logging.New(cfg.Log, o.logOutput)
}

func newDriver(cfg *Config) ports.Driver {
	if cfg.Device.Driver == "ps2000" {
		return ps2000.New(ps2000.Options{ProbeUSB: cfg.Device.ProbeUSB})
	}
	return sim.New(cfg.SimUnit())
}

func (r *Runtime) buildSinks() ([]Sink, error) {
	var out []Sink
	sc := r.cfg.Sinks
	if ts := sc.Timescale; ts != nil {
		db, err := sql.Open("postgres", ts.ConnString)
		if err != nil {
			return nil, err
		}
		r.db = db
		r.timescale = sink.NewTimescaleSink(db, ts.Table, ts.OverflowTable)
		out = append(out, r.timescale)
	}
	if jc := sc.Journal; jc != nil {
		j, err := journal.Open(jc.Dir, journal.Options{Sync: jc.Sync})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		r.journal = j
		out = append(out, j)
	}
	if oc := sc.OPCUA; oc != nil {
		s, err := opcua.NewSink(*oc)
		if err != nil {
			return nil, fmt.Errorf("opcua sink: %w", err)
		}
		r.opcua = s
		out = append(out, s)
	}
	if sc.Stdout {
		out = append(out, NewTextSink("stdout", os.Stdout))
	}
	return out, nil
}

// Start opens the device, configures and starts the capture, the
// dispatcher and the metrics endpoint. It returns once streaming runs; in
// block mode captures are re-armed in the background.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}

	if err := r.prepareSinks(ctx); err != nil {
		return err
	}

	dev, err := scope.Open(ctx, r.driver, r.cfg.Device.Selector, scope.OpenOptions{
		Timeout:     r.cfg.Device.OpenTimeout,
		StopTimeout: r.cfg.Capture.StopTimeout,
		Logger:      r.log,
	})
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	sess, err := configureSession(dev, r.cfg)
	if err != nil {
		dev.Close()
		return err
	}
	r.dev = dev
	r.session = sess
	r.disp = pipeline.NewDispatcher(sess, r.sink, pipeline.Options{
		Policy:      r.cfg.Policy(),
		Transformer: r.transformer,
		Obs:         r.obs,
	})

	if err := r.startMetrics(); err != nil {
		dev.Close()
		return err
	}

	capCtx, capCancel := context.WithCancel(context.Background())
	r.capCancel = capCancel
	r.capDone = make(chan struct{})
	if sess.Info().Mode == domain.ModeBlock {
		go r.rearm(capCtx)
	} else {
		close(r.capDone)
		if err := sess.Start(ctx); err != nil {
			capCancel()
			r.stopMetrics(context.Background())
			dev.Close()
			return fmt.Errorf("start capture: %w", err)
		}
	}

	dispCtx, dispCancel := context.WithCancel(context.Background())
	r.dispCancel = dispCancel
	r.dispDone = make(chan struct{})
	go func() {
		defer close(r.dispDone)
		r.dispErr = r.disp.Run(dispCtx)
	}()

	r.started = true
	return nil
}

func configureSession(dev *scope.Device, cfg *Config) (*scope.Session, error) {
	specs, err := cfg.ChannelSpecs()
	if err != nil {
		return nil, err
	}
	cc, err := scope.Configure(dev, specs)
	if err != nil {
		return nil, fmt.Errorf("configure channels: %w", err)
	}
	trig, err := cfg.TriggerSpec()
	if err != nil {
		return nil, err
	}
	if trig != nil {
		if _, err := scope.ConfigureTrigger(cc, trig); err != nil {
			return nil, fmt.Errorf("configure trigger: %w", err)
		}
	}
	sess, err := scope.NewSession(dev, cfg.SessionConfig(cc))
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return sess, nil
}

func (r *Runtime) prepareSinks(ctx context.Context) error {
	if r.timescale != nil && r.cfg.Sinks.Timescale.EnsureSchema {
		if err := r.timescale.EnsureSchema(ctx, r.cfg.Sinks.Timescale.Hypertable); err != nil {
			return fmt.Errorf("timescale schema: %w", err)
		}
	}
	if r.opcua != nil {
		if err := r.opcua.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// rearm repeats block captures until ctx ends or the session leaves the
// configured state.
func (r *Runtime) rearm(ctx context.Context) {
	defer close(r.capDone)
	for ctx.Err() == nil {
		if err := r.session.Start(ctx); err != nil {
			if st := r.session.State(); st != domain.StateStopped && st != domain.StateStopping && ctx.Err() == nil {
				r.log.Error("block capture failed", "error", err)
			}
			return
		}
	}
}

// Run starts the runtime and blocks until ctx is cancelled or the session
// ends on its own. A session fault is returned.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		r.closeSinks(context.Background())
		return err
	}
	select {
	case <-ctx.Done():
	case <-r.dispDone:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Capture.StopTimeout+5*time.Second)
	defer cancel()
	err := r.Shutdown(shutdownCtx)
	if r.dispErr != nil {
		return errors.Join(r.dispErr, err)
	}
	return err
}

// Shutdown stops the capture, lets the dispatcher flush what is buffered
// and releases the device, sinks and metrics server. It is safe to call
// more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdown.Do(func() {
		r.shutdownErr = r.doShutdown(ctx)
	})
	return r.shutdownErr
}

func (r *Runtime) doShutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error

	if r.started {
		if err := r.session.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		r.capCancel()
		select {
		case <-r.capDone:
		case <-ctx.Done():
		}
		select {
		case <-r.dispDone:
		case <-ctx.Done():
			r.dispCancel()
			<-r.dispDone
		}
		r.dispCancel()
		if err := r.dev.Close(); err != nil {
			errs = append(errs, err)
		}
		r.stopMetrics(ctx)
	}

	errs = append(errs, r.closeSinks(ctx)...)
	return errors.Join(errs...)
}

func (r *Runtime) closeSinks(ctx context.Context) []error {
	var errs []error
	if r.opcua != nil {
		if err := r.opcua.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Runtime) startMetrics() error {
	if r.cfg.Metrics.Addr == "" || r.cfg.Metrics.Addr == MetricsDisabled {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg}))
	mux.HandleFunc("/healthz", r.healthz)

	r.metricsLn = ln
	r.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := r.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("metrics server exited", "error", err)
		}
	}()
	return nil
}

func (r *Runtime) stopMetrics(ctx context.Context) {
	if r.metricsSrv == nil {
		return
	}
	if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.log.Warn("metrics shutdown", "error", err)
	}
	r.metricsSrv = nil
}

func (r *Runtime) healthz(w http.ResponseWriter, _ *http.Request) {
	st := r.session.State()
	if st == domain.StateFaulted {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "faulted: %v\n", r.session.Fault())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok %s\n", st)
}

// MetricsAddr is the bound address of the metrics endpoint, or "" when it
// is disabled or not started.
func (r *Runtime) MetricsAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metricsLn == nil {
		return ""
	}
	return r.metricsLn.Addr().String()
}

// State is the capture session state; Idle before Start.
func (r *Runtime) State() State {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return domain.StateIdle
	}
	return s.State()
}

// DeviceInfo identifies the opened unit.
func (r *Runtime) DeviceInfo() (UnitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		return UnitInfo{}, false
	}
	return r.dev.Info(), true
}

// Stats returns the dispatcher counters.
func (r *Runtime) Stats() pipeline.Stats {
	r.mu.Lock()
	d := r.disp
	r.mu.Unlock()
	if d == nil {
		return pipeline.Stats{}
	}
	return d.Stats()
}

// SinkName names the combined sink, e.g. "fanout(journal,opcua)".
func (r *Runtime) SinkName() string { return r.sink.Name() }
