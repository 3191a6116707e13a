// Package journal is an append-only on-disk log of dispatched batches. It
// can be replayed into other sinks or dumped as text.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ilyaradko/PicoScope/internal/domain"
	"github.com/ilyaradko/PicoScope/internal/ports"
)

const (
	recordHeaderLen = 12
	logName         = "journal.log"
	metaName        = "journal.meta"
)

// EntryID is the sequence number of a record, starting at 1.
type EntryID uint64

// Stats describes the journal position.
type Stats struct {
	OldestUncommitted EntryID
	LatestAppended    EntryID
	SizeBytes         int64
}

// Options tunes durability.
type Options struct {
	// Sync fsyncs the log after every WriteBatch.
	Sync bool
}

// record is the on-disk body of an entry.
type record struct {
	Samples   []domain.Sample        `json:"samples,omitempty"`
	Overflows []domain.OverflowEvent `json:"overflows,omitempty"`
	Fault     string                 `json:"fault,omitempty"`
}

// Journal stores batches as [8 bytes id][4 bytes len][len bytes json].
type Journal struct {
	mu        sync.Mutex
	opts      Options
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    EntryID
	committed EntryID
	sizeBytes int64
	closed    bool
}

// Open opens or creates the journal in dir. A record cut short by a crash
// is truncated away.
func Open(dir string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		opts:     opts,
		path:     path,
		metaPath: filepath.Join(dir, metaName),
		file:     f,
		writer:   bufio.NewWriterSize(f, 1<<20),
	}
	if err := j.bootstrap(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) bootstrap() error {
	if err := j.scanExisting(); err != nil {
		return err
	}
	if err := j.loadCommitted(); err != nil {
		return err
	}
	if j.committed > j.nextID {
		j.committed = j.nextID
	}
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

func (j *Journal) scanExisting() error {
	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	r := bufio.NewReader(rf)
	var (
		offset int64
		lastID EntryID
	)
	for {
		id, n, err := readHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("journal scan header: %w", err)
		}
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("journal scan body: %w", err)
		}
		offset += recordHeaderLen + int64(n)
		lastID = id
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.sizeBytes = offset
	j.nextID = lastID
	return nil
}

func readHeader(r io.Reader) (EntryID, uint32, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return EntryID(binary.BigEndian.Uint64(hdr[0:8])), binary.BigEndian.Uint32(hdr[8:12]), nil
}

func (j *Journal) loadCommitted() error {
	data, err := os.ReadFile(j.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("journal meta parse: %w", err)
	}
	j.committed = EntryID(u)
	return nil
}

// Append buffers one batch. Call Flush (or use WriteBatch) to make it
// visible on disk.
func (j *Journal) Append(b *domain.Batch) (EntryID, error) {
	rec := record{
		Samples:   make([]domain.Sample, len(b.Samples)),
		Overflows: b.Overflows,
	}
	for i, s := range b.Samples {
		rec.Samples[i] = *s
	}
	if b.Fault != nil {
		rec.Fault = b.Fault.Error()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, errors.New("journal: closed")
	}

	id := j.nextID + 1
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	if _, err := j.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := j.writer.Write(body); err != nil {
		return 0, err
	}
	j.nextID = id
	j.sizeBytes += int64(len(body) + len(hdr))
	return id, nil
}

func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked(j.opts.Sync)
}

func (j *Journal) flushLocked(sync bool) error {
	if j.closed {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if sync {
		return j.file.Sync()
	}
	return nil
}

// Iterate calls fn for every entry with id >= from, in order. A faulted
// batch comes back with Fault set to an error carrying the recorded text.
func (j *Journal) Iterate(from EntryID, fn func(id EntryID, b *domain.Batch) error) error {
	j.mu.Lock()
	if err := j.flushLocked(false); err != nil {
		j.mu.Unlock()
		return err
	}
	j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return iterate(bufio.NewReader(f), from, fn)
}

func iterate(r *bufio.Reader, from EntryID, fn func(EntryID, *domain.Batch) error) error {
	for {
		id, n, err := readHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal truncated header: %w", err)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("corrupt journal: %w", err)
		}
		if id < from {
			continue
		}
		var rec record
		if err := json.Unmarshal(body, &rec); err != nil {
			return fmt.Errorf("corrupt journal entry %d: %w", id, err)
		}
		b := &domain.Batch{Overflows: rec.Overflows}
		if len(rec.Samples) > 0 {
			b.Samples = make([]*domain.Sample, len(rec.Samples))
			for i := range rec.Samples {
				b.Samples[i] = &rec.Samples[i]
			}
		}
		if rec.Fault != "" {
			b.Fault = errors.New(rec.Fault)
		}
		if err := fn(id, b); err != nil {
			return err
		}
	}
}

// Commit records that entries up to upto were delivered downstream.
func (j *Journal) Commit(upto EntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto > j.nextID {
		upto = j.nextID
	}
	if upto <= j.committed {
		return nil
	}
	j.committed = upto
	return os.WriteFile(j.metaPath, []byte(fmt.Sprintf("%d\n", j.committed)), 0o644)
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.nextID,
		SizeBytes:         j.sizeBytes,
	}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) WriteBatch(ctx context.Context, b *domain.Batch) error {
	if b.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := j.Append(b); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return j.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	err := j.flushLocked(true)
	j.closed = true
	return errors.Join(err, j.file.Close())
}

// WriteText writes one "timestamp channel volts" line per sample, the
// format of the plain-text pressure logs. Overflow events become comment
// lines so gaps stay visible.
func WriteText(w io.Writer, b *domain.Batch) error {
	bw := bufio.NewWriter(w)
	for _, ev := range b.Overflows {
		fmt.Fprintf(bw, "# overflow cause=%s lost=%d first_index=%d\n", ev.Cause, ev.Lost, ev.FirstIndex)
	}
	for _, s := range b.Samples {
		fmt.Fprintf(bw, "%.6f %s %.6e\n", float64(s.Timestamp.UnixNano())/float64(time.Second), s.ChannelID, s.Volts)
	}
	if b.Fault != nil {
		fmt.Fprintf(bw, "# fault %s\n", b.Fault)
	}
	return bw.Flush()
}

var _ ports.Sink = (*Journal)(nil)
