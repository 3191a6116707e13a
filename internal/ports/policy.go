package ports

import "time"

type Policy struct {
	// PollInterval is the dispatcher cadence. Zero derives it from the
	// resolved sample interval times the block size.
	PollInterval time.Duration
	// MaxBlocksPerTick bounds a single drain; zero drains everything.
	MaxBlocksPerTick int
	// WriteTimeout bounds one sink write; zero uses the poll interval.
	WriteTimeout time.Duration
}
