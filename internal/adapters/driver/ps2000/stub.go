//go:build !ps2000 || !cgo

package ps2000

import (
	"context"
	"fmt"

	"github.com/ilyaradko/PicoScope/internal/ports"
)

// Driver is unavailable in this build.
type Driver struct{ opts Options }

func New(opts Options) *Driver {
	opts.applyDefaults()
	return &Driver{opts: opts}
}

func (d *Driver) Name() string { return "ps2000" }

func (d *Driver) Open(context.Context, string) (ports.Unit, error) {
	return nil, fmt.Errorf("ps2000: built without the ps2000 tag or cgo: %w", ports.ErrNotSupported)
}
