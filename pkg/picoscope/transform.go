package picoscope

import (
	"math"
	"sort"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
)

// MeanReducer collapses every Window consecutive samples of a channel into
// their mean, the way a gauge logger averages before writing a line. A
// partial window is carried into the next batch. A gap in the stream
// index closes the window early, so no mean spans lost samples.
type MeanReducer struct {
	Window int
	acc    map[domain.ChannelID]*meanAcc
}

type meanAcc struct {
	n     int
	first uint64
	last  uint64
	ts    time.Time
	raw   int64
	volts float64
}

func (a *meanAcc) sample(ch domain.ChannelID) *domain.Sample {
	return &domain.Sample{
		ChannelID: ch,
		Timestamp: a.ts,
		Index:     a.first,
		Raw:       int16(math.Round(float64(a.raw) / float64(a.n))),
		Volts:     a.volts / float64(a.n),
	}
}

func NewMeanReducer(window int) *MeanReducer {
	return &MeanReducer{Window: window}
}

func (m *MeanReducer) Name() string { return "mean" }

// Transform emits one sample per completed window, stamped with the time of
// the window's last sample and indexed by its first.
func (m *MeanReducer) Transform(samples []*domain.Sample) []*domain.Sample {
	if m.Window <= 1 {
		return samples
	}
	if m.acc == nil {
		m.acc = make(map[domain.ChannelID]*meanAcc)
	}
	var out []*domain.Sample
	for _, s := range samples {
		a := m.acc[s.ChannelID]
		if a == nil {
			a = &meanAcc{}
			m.acc[s.ChannelID] = a
		}
		if a.n > 0 && s.Index != a.last+1 {
			out = append(out, a.sample(s.ChannelID))
			*a = meanAcc{}
		}
		if a.n == 0 {
			a.first = s.Index
		}
		a.n++
		a.last = s.Index
		a.ts = s.Timestamp
		a.raw += int64(s.Raw)
		a.volts += s.Volts
		if a.n < m.Window {
			continue
		}
		out = append(out, a.sample(s.ChannelID))
		*a = meanAcc{}
	}
	return out
}

// Flush emits the mean of every partial window, in channel order, and
// clears them.
func (m *MeanReducer) Flush() []*domain.Sample {
	chans := make([]domain.ChannelID, 0, len(m.acc))
	for ch, a := range m.acc {
		if a.n > 0 {
			chans = append(chans, ch)
		}
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i] < chans[j] })
	out := make([]*domain.Sample, 0, len(chans))
	for _, ch := range chans {
		a := m.acc[ch]
		out = append(out, a.sample(ch))
		*a = meanAcc{}
	}
	return out
}

// Pending reports how many samples of ch wait for their window to fill.
func (m *MeanReducer) Pending(ch ChannelID) int {
	if a := m.acc[ch]; a != nil {
		return a.n
	}
	return 0
}
