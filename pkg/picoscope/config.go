package picoscope

import (
	"github.com/ilyaradko/PicoScope/internal/adapters/opcua"
	"github.com/ilyaradko/PicoScope/internal/app/config"
	"github.com/ilyaradko/PicoScope/internal/logging"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	DeviceConfig    = config.DeviceConfig
	SimConfig       = config.SimConfig
	CaptureConfig   = config.CaptureConfig
	ChannelConfig   = config.ChannelConfig
	TriggerConfig   = config.TriggerConfig
	SinksConfig     = config.SinksConfig
	TimescaleConfig = config.TimescaleConfig
	JournalConfig   = config.JournalConfig
	AveragingConfig = config.AveragingConfig
	MetricsConfig   = config.MetricsConfig
	LogConfig       = logging.Config
	// OPCUAConfig holds connection and node details of the OPC UA sink.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig maps a channel to a server variable.
	OPCUANodeConfig = opcua.NodeConfig
)

// LoadConfig loads YAML from disk, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
