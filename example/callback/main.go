package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyaradko/PicoScope/pkg/picoscope"
)

func main() {
	flow, err := picoscope.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch picoscope.Batch) error {
		for _, s := range batch.Samples {
			fmt.Printf("%s ch=%s idx=%d raw=%d volts=%.6f\n",
				s.Timestamp.Format(time.RFC3339Nano), s.Channel, s.Index, s.Raw, s.Volts)
		}
		for _, ev := range batch.Overflows {
			fmt.Printf("overflow cause=%s lost=%d first_index=%d\n", ev.Cause, ev.Lost, ev.FirstIndex)
		}
		return nil
	}

	if err := flow.Run(ctx, picoscope.StreamOutCallback("stdout", callback)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("capture error: %v", err)
	}
}
