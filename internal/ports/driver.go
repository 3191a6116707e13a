package ports

import (
	"context"
	"errors"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

// Errors a driver reports so the core can classify them.
var (
	ErrUnitNotFound = errors.New("no unit found")
	ErrUnitInUse    = errors.New("unit in use")
	ErrDisconnected = errors.New("unit disconnected")
	ErrNotStreaming = errors.New("unit not streaming")
	ErrNotSupported = errors.New("not supported by unit")
)

// Driver opens units of one vendor driver.
type Driver interface {
	// Open opens the unit matching selector (a serial number; empty means
	// the first unit found).
	Open(ctx context.Context, selector string) (Unit, error)
	Name() string
}

// BlockRequest arms a fixed-length capture.
type BlockRequest struct {
	Samples    int
	Timebase   int
	Oversample int
}

// StreamRequest starts continuous acquisition.
type StreamRequest struct {
	IntervalNanos int64
	Timebase      int
	// BlockSize is the number of samples per channel the driver should
	// gather before invoking the delivery callback.
	BlockSize int
	Channels  []domain.ChannelID
}

// Delivery is what the driver hands to the delivery callback: a block, or
// a fatal error after which no further deliveries follow.
type Delivery struct {
	Block *domain.Block
	Err   error
}

// DeliveryFunc is invoked from the driver's own goroutine. The block
// buffers may be reused once it returns.
type DeliveryFunc func(Delivery)

// Unit is one opened device as exposed by the vendor driver.
type Unit interface {
	Info() (domain.UnitInfo, error)
	MaxADC() (int32, error)
	// Channels is the number of analog inputs the unit has.
	Channels() (int, error)
	Ranges() ([]domain.Range, error)
	Timebases() ([]domain.Timebase, error)

	SetChannel(ch domain.ChannelID, enabled bool, rng domain.Range, coupling domain.Coupling) error
	// SetTrigger applies t; nil disables triggering.
	SetTrigger(t *domain.Trigger) error

	// RunBlock arms a block capture and returns the driver's estimate of
	// how long the unit will be busy.
	RunBlock(req BlockRequest) (time.Duration, error)
	Ready() (bool, error)
	Values(channels []domain.ChannelID, n int) (*domain.Block, error)

	StartStreaming(req StreamRequest, deliver DeliveryFunc) error
	// Stop halts block or streaming acquisition. Once it returns the
	// driver invokes no further delivery callbacks.
	Stop() error

	Ping() error
	Close() error
}
