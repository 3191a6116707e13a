// Command pressure logs a Pfeiffer gauge read on channel A as mbar,
// averaging every 100 samples.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os/signal"
	"syscall"
	"time"

	picoscope "github.com/ilyaradko/PicoScope"
)

// voltsToMbar follows the gauge's logarithmic analog output.
func voltsToMbar(v float64) float64 {
	return math.Pow(10, 1.667*v-11.46)
}

func main() {
	flow, err := picoscope.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	// the gauge output tops out at 10V
	flow.StreamIN(
		picoscope.StreamInChannelMax("A", 10),
		picoscope.StreamInStreaming(time.Millisecond),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logPressure := func(batch picoscope.Batch) error {
		for _, s := range batch.Samples {
			if s.Channel != "A" {
				continue
			}
			fmt.Printf("%s %.3e mbar (%.4f V)\n", s.Timestamp.Format(time.RFC3339Nano), voltsToMbar(s.Volts), s.Volts)
		}
		return nil
	}

	if err := flow.Run(ctx,
		picoscope.StreamOutAveraging(100),
		picoscope.StreamOutCallback("pressure", logPressure),
	); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("capture error: %v", err)
	}
}
