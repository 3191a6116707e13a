package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint        string       `yaml:"endpoint"`
	Username        string       `yaml:"username"`
	Password        string       `yaml:"password"`
	SecurityMode    string       `yaml:"security_mode"`
	SecurityPolicy  string       `yaml:"security_policy"`
	ApplicationName string       `yaml:"application_name"`
	Nodes           []NodeConfig `yaml:"nodes"`
	// OverflowNodeID, if set, receives the running total of lost samples.
	OverflowNodeID string `yaml:"overflow_node_id"`
}

// NodeConfig maps a scope channel to the server variable it updates.
type NodeConfig struct {
	Channel string `yaml:"channel"`
	NodeID  string `yaml:"node_id"`
	// Value is "volts" (default) or "raw".
	Value string `yaml:"value"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "PicoScope Edge"
	}
	for i := range c.Nodes {
		if c.Nodes[i].Value == "" {
			c.Nodes[i].Value = "volts"
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	for _, n := range c.Nodes {
		if _, err := domain.ParseChannelID(n.Channel); err != nil {
			return fmt.Errorf("node %q: %w", n.NodeID, err)
		}
		if n.Value != "volts" && n.Value != "raw" {
			return fmt.Errorf("node %q: value must be volts or raw, got %q", n.NodeID, n.Value)
		}
	}
	return nil
}

// client is the part of *opcua.Client the sink uses.
type client interface {
	Connect(ctx context.Context) error
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	State() opcua.ConnState
	Close(ctx context.Context) error
}

type target struct {
	id  *ua.NodeID
	raw bool
}

// Sink publishes the newest reading of each channel to OPC UA variables.
type Sink struct {
	cfg      Config
	targets  map[domain.ChannelID][]target
	overflow *ua.NodeID
	dial     func() (client, error)

	mu     sync.Mutex
	client client
	lost   uint64
}

func NewSink(cfg Config) (*Sink, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sink{
		cfg:     cfg,
		targets: make(map[domain.ChannelID][]target),
	}
	for _, n := range cfg.Nodes {
		ch, _ := domain.ParseChannelID(n.Channel)
		id, err := ua.ParseNodeID(n.NodeID)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", n.NodeID, err)
		}
		s.targets[ch] = append(s.targets[ch], target{id: id, raw: n.Value == "raw"})
	}
	if cfg.OverflowNodeID != "" {
		id, err := ua.ParseNodeID(cfg.OverflowNodeID)
		if err != nil {
			return nil, fmt.Errorf("parse overflow node id %q: %w", cfg.OverflowNodeID, err)
		}
		s.overflow = id
	}
	s.dial = func() (client, error) {
		return opcua.NewClient(cfg.Endpoint, s.buildClientOptions()...)
	}
	return s, nil
}

func (s *Sink) Name() string { return "opcua" }

// Connect opens the session. Writes before Connect fail and Ready reports
// false, so the dispatcher holds data back instead of losing it.
func (s *Sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	c, err := s.dial()
	if err != nil {
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("opcua connect: %w", err)
	}
	s.client = c
	return nil
}

func (s *Sink) Ready() bool {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	return c != nil && c.State() == opcua.Connected
}

func (s *Sink) WriteBatch(ctx context.Context, batch *domain.Batch) error {
	if batch == nil {
		return nil
	}
	s.mu.Lock()
	c := s.client
	s.lost += batch.Lost()
	lost := s.lost
	s.mu.Unlock()
	if c == nil {
		return errors.New("opcua: not connected")
	}

	latest := make(map[domain.ChannelID]*domain.Sample)
	for _, smp := range batch.Samples {
		if cur, ok := latest[smp.ChannelID]; !ok || smp.Index >= cur.Index {
			latest[smp.ChannelID] = smp
		}
	}

	var nodes []*ua.WriteValue
	for ch, smp := range latest {
		for _, t := range s.targets[ch] {
			var v any = smp.Volts
			if t.raw {
				v = smp.Raw
			}
			nodes = append(nodes, writeValue(t.id, v, smp.Timestamp))
		}
	}
	if s.overflow != nil && len(batch.Overflows) > 0 {
		nodes = append(nodes, writeValue(s.overflow, lost, time.Now()))
	}
	if len(nodes) == 0 {
		return nil
	}

	resp, err := c.Write(ctx, &ua.WriteRequest{NodesToWrite: nodes})
	if err != nil {
		return fmt.Errorf("opcua write: %w", err)
	}
	var errs []error
	for i, code := range resp.Results {
		if code != ua.StatusOK {
			errs = append(errs, fmt.Errorf("node %s: %s", nodes[i].NodeID, code))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("opcua write: %w", errors.Join(errs...))
	}
	return nil
}

func writeValue(id *ua.NodeID, v any, ts time.Time) *ua.WriteValue {
	return &ua.WriteValue{
		NodeID:      id,
		AttributeID: ua.AttributeIDValue,
		Value: &ua.DataValue{
			EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp,
			Value:           ua.MustVariant(v),
			SourceTimestamp: ts,
		},
	}
}

func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := c.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Sink) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.Sink      = (*Sink)(nil)
	_ ports.ReadySink = (*Sink)(nil)
)
