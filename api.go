package picoscope

import (
	"context"
	"io"

	base "github.com/ilyaradko/PicoScope/pkg/picoscope"
)

// MetricsDisabled as the metrics address turns the HTTP endpoint off.
const MetricsDisabled = base.MetricsDisabled

// Re-exported errors for convenience.
var (
	ErrChannelSinkClosed    = base.ErrChannelSinkClosed
	ErrNotFound             = base.ErrNotFound
	ErrBusy                 = base.ErrBusy
	ErrUnsupportedRange     = base.ErrUnsupportedRange
	ErrNoChannelsEnabled    = base.ErrNoChannelsEnabled
	ErrIntervalUnachievable = base.ErrIntervalUnachievable
	ErrThresholdOutOfRange  = base.ErrThresholdOutOfRange
	ErrDriverFault          = base.ErrDriverFault
	ErrTimeout              = base.ErrTimeout
	ErrSessionFaulted       = base.ErrSessionFaulted
)

// Type aliases so consumers can import github.com/ilyaradko/PicoScope directly.
type (
	Config          = base.Config
	Policy          = base.Policy
	OPCUAConfig     = base.OPCUAConfig
	OPCUANodeConfig = base.OPCUANodeConfig
	TimescaleConfig = base.TimescaleConfig
	JournalConfig   = base.JournalConfig
	MetricsConfig   = base.MetricsConfig
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Sample          = base.Sample
	Batch           = base.Batch
	BatchHandler    = base.BatchHandler
	OverflowEvent   = base.OverflowEvent
	Driver          = base.Driver
	Sink            = base.Sink
	Transformer     = base.Transformer
	Observability   = base.Observability
	MeanReducer     = base.MeanReducer
	Measurement     = base.Measurement
	ReplayStats     = base.ReplayStats
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInDriver(d Driver) StreamInOption {
	return base.StreamInDriver(d)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSink(s Sink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutTransformer(tr Transformer) StreamOutOption {
	return base.StreamOutTransformer(tr)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn BatchHandler) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Device, capture and sink settings for the Flow builder.
var (
	StreamInSelector   = base.StreamInSelector
	StreamInChannel    = base.StreamInChannel
	StreamInChannelMax = base.StreamInChannelMax
	StreamInDisable    = base.StreamInDisable
	StreamInStreaming  = base.StreamInStreaming
	StreamInBlock      = base.StreamInBlock
	StreamInTrigger    = base.StreamInTrigger
	StreamOutJournal   = base.StreamOutJournal
	StreamOutTimescale = base.StreamOutTimescale
	StreamOutStdout    = base.StreamOutStdout
	StreamOutAveraging = base.StreamOutAveraging
	StreamOutMetrics   = base.StreamOutMetrics
)

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithDriver(d Driver) RuntimeOption {
	return base.WithDriver(d)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithTransformer(tr Transformer) RuntimeOption {
	return base.WithTransformer(tr)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithLogOutput(w io.Writer) RuntimeOption {
	return base.WithLogOutput(w)
}

// Sink adapters.
func NewCallbackSink(name string, fn BatchHandler) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan Batch, func()) {
	return base.NewChannelSink(name, buffer)
}

func NewTextSink(name string, w io.Writer) Sink {
	return base.NewTextSink(name, w)
}

func NewMeanReducer(window int) *MeanReducer {
	return base.NewMeanReducer(window)
}

// One-shot operations.
func Measure(ctx context.Context, cfg *Config, opts ...RuntimeOption) (*Measurement, error) {
	return base.Measure(ctx, cfg, opts...)
}

func ReplayJournal(ctx context.Context, dir string, dst Sink, all bool) (ReplayStats, error) {
	return base.ReplayJournal(ctx, dir, dst, all)
}

func DumpJournal(dir string, w io.Writer) error {
	return base.DumpJournal(dir, w)
}

type USBUnit = base.USBUnit

func ListUSB() ([]USBUnit, error) {
	return base.ListUSB()
}
