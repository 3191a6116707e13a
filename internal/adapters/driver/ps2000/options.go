// Package ps2000 binds the PicoScope 2000-series vendor library. The real
// binding needs cgo and the ps2000 build tag; without them Open reports
// ports.ErrNotSupported.
package ps2000

import "time"

// Options tune the binding.
type Options struct {
	// ProbeUSB checks the bus with usbprobe before asking the vendor
	// library to open a unit, which is slow to report absence.
	ProbeUSB bool
	// PollInterval is how often streaming data is fetched from the
	// library. Defaults to 1ms.
	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Millisecond
	}
}

// rangeTable maps the library's range codes to labels and volts.
var rangeTable = []struct {
	label string
	volts float64
}{
	{"10mV", 0.01},
	{"20mV", 0.02},
	{"50mV", 0.05},
	{"100mV", 0.1},
	{"200mV", 0.2},
	{"500mV", 0.5},
	{"1V", 1},
	{"2V", 2},
	{"5V", 5},
	{"10V", 10},
	{"20V", 20},
	{"50V", 50},
}

// unitErrors are the texts for the library's error_code info line.
var unitErrors = map[int]string{
	0: "ok",
	1: "too many units open",
	2: "not enough memory on the host",
	3: "no oscilloscope found",
	4: "firmware download failed",
	5: "oscilloscope not responding",
	6: "device configuration corrupt or missing",
	7: "operating system not supported",
}

const (
	maxADC      = 32767
	maxTimebase = 23
	// triggerNone is the trigger source code that disables triggering.
	triggerNone = 5
)
