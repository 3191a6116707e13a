//go:build ps2000 && cgo

package ps2000

/*
#include <stdint.h>

typedef void (*GetOverviewBuffersMaxMin)(int16_t **overviewBuffers, int16_t overflow,
	uint32_t triggeredAt, int16_t triggered, int16_t autoStop, uint32_t nValues);
*/
import "C"

import (
	"errors"
	"sync"
	"time"
	"unsafe"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

// stream accumulates values handed to goStreamingCallback and cuts them
// into blocks. The library callback carries no handle, so only one unit
// per process can stream at a time.
type stream struct {
	req     ports.StreamRequest
	deliver ports.DeliveryFunc

	pending [][]int16
	over    uint16
	trig    bool
	trigAt  uint32
	next    uint64
}

var (
	activeMu sync.Mutex
	active   *stream
)

func claimStream(req ports.StreamRequest, deliver ports.DeliveryFunc) (*stream, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return nil, errors.New("ps2000: another unit is already streaming in this process")
	}
	active = &stream{
		req:     req,
		deliver: deliver,
		pending: make([][]int16, len(req.Channels)),
	}
	return active, nil
}

func releaseStream(st *stream) {
	activeMu.Lock()
	if active == st {
		active = nil
	}
	activeMu.Unlock()
}

//export goStreamingCallback
func goStreamingCallback(overviewBuffers **C.int16_t, overflow C.int16_t, triggeredAt C.uint32_t, triggered C.int16_t, autoStop C.int16_t, nValues C.uint32_t) {
	activeMu.Lock()
	st := active
	activeMu.Unlock()
	if st == nil || nValues == 0 {
		return
	}

	// buffers are max/min pairs per channel: A max, A min, B max, ...
	bufs := unsafe.Slice(overviewBuffers, 2*domain.MaxChannels)
	for i, ch := range st.req.Channels {
		p := bufs[2*int(ch)]
		if p == nil {
			continue
		}
		for _, v := range unsafe.Slice(p, int(nValues)) {
			st.pending[i] = append(st.pending[i], int16(v))
		}
	}
	st.over |= uint16(overflow)
	if triggered != 0 && !st.trig {
		st.trig, st.trigAt = true, uint32(triggeredAt)
	}
}

// flush delivers every complete block gathered so far. It runs on the
// poll goroutine, outside the library call.
func (st *stream) flush() {
	size := st.req.BlockSize
	for len(st.pending) > 0 && len(st.pending[0]) >= size {
		b := &domain.Block{
			FirstIndex: st.next,
			Channels:   st.req.Channels,
			Counts:     make([][]int16, len(st.pending)),
			OverRange:  st.over,
			Triggered:  st.trig,
			TriggerAt:  st.trigAt,
			ReceivedAt: time.Now(),
		}
		for i := range st.pending {
			b.Counts[i] = st.pending[i][:size]
		}
		st.deliver(ports.Delivery{Block: b})
		for i := range st.pending {
			st.pending[i] = append(st.pending[i][:0], st.pending[i][size:]...)
		}
		st.next += uint64(size)
		st.over, st.trig = 0, false
	}
}
