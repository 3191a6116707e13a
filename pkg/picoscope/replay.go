package picoscope

import (
	"context"
	"io"

	"github.com/ilyaradko/PicoScope/internal/adapters/journal"
	"github.com/ilyaradko/PicoScope/internal/domain"
)

// ReplayStats summarizes a journal replay.
type ReplayStats struct {
	Entries   int
	Samples   int
	Overflows int
	From      uint64
	To        uint64
}

// ReplayJournal writes journaled batches into dst, starting after the last
// committed entry (or from the first one when all is set), and commits each
// entry once dst accepted it. A failed write stops the replay; the next
// call resumes at that entry.
func ReplayJournal(ctx context.Context, dir string, dst Sink, all bool) (ReplayStats, error) {
	j, err := journal.Open(dir, journal.Options{})
	if err != nil {
		return ReplayStats{}, err
	}
	defer j.Close()

	from := j.Stats().OldestUncommitted
	if all {
		from = 1
	}
	st := ReplayStats{From: uint64(from)}
	err = j.Iterate(from, func(id journal.EntryID, b *domain.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dst.WriteBatch(ctx, b); err != nil {
			return err
		}
		st.Entries++
		st.Samples += len(b.Samples)
		st.Overflows += len(b.Overflows)
		st.To = uint64(id)
		return j.Commit(id)
	})
	return st, err
}

// DumpJournal prints every journaled batch as text lines.
func DumpJournal(dir string, w io.Writer) error {
	j, err := journal.Open(dir, journal.Options{})
	if err != nil {
		return err
	}
	defer j.Close()
	return j.Iterate(1, func(_ journal.EntryID, b *domain.Batch) error {
		return journal.WriteText(w, b)
	})
}

// Replay writes the journal in dir into the runtime's sinks without
// starting a capture. Configure the runtime without a journal sink of the
// same directory.
func (r *Runtime) Replay(ctx context.Context, dir string, all bool) (ReplayStats, error) {
	r.mu.Lock()
	err := r.prepareSinks(ctx)
	r.mu.Unlock()
	if err != nil {
		return ReplayStats{}, err
	}
	return ReplayJournal(ctx, dir, r.sink, all)
}
