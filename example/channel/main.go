package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	picoscope "github.com/ilyaradko/PicoScope"
)

func main() {
	flow, err := picoscope.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, batches, closeBatches := picoscope.NewChannelSink("forward", 32)
	defer closeBatches()

	go forwardWorker("downstream", batches)

	if err := flow.Run(ctx, picoscope.StreamOutSink(sink)); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("capture error: %v", err)
	}
}

func forwardWorker(name string, batches <-chan picoscope.Batch) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d samples, %d overflow events at %s\n",
			name, len(batch.Samples), len(batch.Overflows), time.Now().Format(time.RFC3339))
		if batch.Fault != nil {
			fmt.Printf("[%s] capture faulted: %v\n", name, batch.Fault)
		}
	}
}
