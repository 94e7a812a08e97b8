// Package journal archives the committed event journal to blob storage as
// NDJSON segments and verifies archived segments against the hash chain.
//
// Segment keys encode their sequence range, so listing the prefix in key
// order yields the journal in order:
//
//	<prefix><first seq, 20 digits>-<last seq, 20 digits>.ndjson
//
// Segments occupy fixed slots of the segment size: a segment starts after a
// multiple of the size and ends at the next multiple, or earlier when the
// journal had not reached it yet. Such a partial segment is superseded by a
// longer one with the same first seq once more events commit.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"marketcore/internal/blob"
	"marketcore/pkg/domain"
)

// DefaultPrefix is the key prefix segments are written under.
const DefaultPrefix = "journal/"

// DefaultSegmentSize is the maximum number of events per segment.
const DefaultSegmentSize = 1024

const contentType = "application/x-ndjson"

// Metadata keys. S3 lowercases user metadata, so all keys are lowercase.
const (
	metaFirst    = "first"
	metaLast     = "last"
	metaPrevHash = "prev-hash"
	metaHash     = "last-hash"
)

// Source is a committed event journal.
type Source interface {
	Events(after uint64, limit int) []domain.Event
}

// Segment describes one archived blob.
type Segment struct {
	Key   string
	First uint64
	Last  uint64
}

// SegmentKey returns the key for a segment spanning first..last.
func SegmentKey(prefix string, first, last uint64) string {
	return fmt.Sprintf("%s%020d-%020d.ndjson", prefix, first, last)
}

func parseKey(prefix, key string) (Segment, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return Segment{}, false
	}
	name, ok = strings.CutSuffix(name, ".ndjson")
	if !ok {
		return Segment{}, false
	}
	lo, hi, ok := strings.Cut(name, "-")
	if !ok {
		return Segment{}, false
	}
	first, err1 := strconv.ParseUint(lo, 10, 64)
	last, err2 := strconv.ParseUint(hi, 10, 64)
	if err1 != nil || err2 != nil || first == 0 || last < first {
		return Segment{}, false
	}
	return Segment{Key: key, First: first, Last: last}, true
}

// Segments lists the archived segments under prefix in sequence order.
// Keys that do not parse as segments are ignored, as are segments superseded
// by a longer one starting at the same seq.
func Segments(ctx context.Context, store blob.Store, prefix string) ([]Segment, error) {
	live, _, err := segments(ctx, store, prefix)
	return live, err
}

func segments(ctx context.Context, store blob.Store, prefix string) (live, superseded []Segment, err error) {
	infos, err := store.List(ctx, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list segments: %w", err)
	}
	live = make([]Segment, 0, len(infos))
	for _, info := range infos {
		seg, ok := parseKey(prefix, info.Key)
		if !ok {
			continue
		}
		// Keys sort by first seq, then by last seq.
		if n := len(live); n > 0 && live[n-1].First == seg.First {
			superseded = append(superseded, live[n-1])
			live[n-1] = seg
			continue
		}
		live = append(live, seg)
	}
	return live, superseded, nil
}

// Read decodes the events stored in seg.
func Read(ctx context.Context, store blob.Store, seg Segment) ([]domain.Event, error) {
	_, events, err := read(ctx, store, seg)
	return events, err
}

func read(ctx context.Context, store blob.Store, seg Segment) (blob.Info, []domain.Event, error) {
	info, rc, err := store.Get(ctx, seg.Key)
	if err != nil {
		return info, nil, err
	}
	defer func() { _ = rc.Close() }()
	events, err := decode(seg.Key, rc)
	return info, events, err
}

func decode(key string, r io.Reader) ([]domain.Event, error) {
	var out []domain.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e domain.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%s: decode line %d: %w", key, len(out)+1, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

func encode(events []domain.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

// ErrDiverged is returned when the source journal does not continue the
// archived chain.
var ErrDiverged = errors.New("journal: source diverges from archive")

type refresher interface {
	Refresh(ctx context.Context) error
}

// Logger is the subset of the service logger the archiver reports through.
type Logger interface {
	Info(msg string, args ...any)
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) { a.prefix = prefix }
}

// WithSegmentSize caps the number of events per segment.
func WithSegmentSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.size = n
		}
	}
}

// WithLogger reports written segments to log.
func WithLogger(log Logger) Option {
	return func(a *Archiver) { a.log = log }
}

// Archiver copies committed events from a journal into blob segments.
type Archiver struct {
	src    Source
	store  blob.Store
	prefix string
	size   int
	log    Logger
}

// NewArchiver returns an archiver writing src to store.
func NewArchiver(src Source, store blob.Store, opts ...Option) *Archiver {
	a := &Archiver{src: src, store: store, prefix: DefaultPrefix, size: DefaultSegmentSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Prefix returns the key prefix segments are written under.
func (a *Archiver) Prefix() string { return a.prefix }

// Archive writes every event committed after the newest archived segment and
// returns how many events it archived for the first time. Segment boundaries
// depend only on the segment size and the newest segment is rewritten until
// its slot fills, so archivers with different views of the journal, or
// running at different times, converge on the same segments.
func (a *Archiver) Archive(ctx context.Context) (int, error) {
	if r, ok := a.src.(refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			return 0, err
		}
	}
	t, err := a.tip(ctx)
	if err != nil {
		return 0, err
	}
	after, prevHash := t.after, t.prevHash
	size := uint64(a.size)
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch := a.src.Events(after, int(size-after%size))
		if len(batch) == 0 {
			break
		}
		if batch[0].Seq != after+1 || batch[0].PrevHash != prevHash {
			return written, fmt.Errorf("%w: event %d does not follow archived seq %d", ErrDiverged, batch[0].Seq, after)
		}
		first, last := batch[0], batch[len(batch)-1]
		if t.archived >= first.Seq && t.archived <= last.Seq {
			if e := batch[t.archived-first.Seq]; e.Hash != t.hash {
				return written, fmt.Errorf("%w: event %d does not match the archived hash", ErrDiverged, e.Seq)
			}
		}
		if last.Seq <= t.archived {
			break
		}
		key := SegmentKey(a.prefix, first.Seq, last.Seq)
		if err := a.put(ctx, key, batch); err != nil {
			if !errors.Is(err, blob.ErrExists) {
				return written, err
			}
		} else {
			written += int(last.Seq - max(after, t.archived))
			if a.log != nil {
				a.log.Info("journal segment archived", "key", key, "events", len(batch))
			}
		}
		if first.Seq <= t.archived {
			t.superseded = append(t.superseded, Segment{Key: SegmentKey(a.prefix, first.Seq, t.archived)})
		}
		after, prevHash = last.Seq, last.Hash
	}
	for _, seg := range t.superseded {
		if _, err := a.store.Delete(ctx, seg.Key); err != nil {
			return written, fmt.Errorf("drop superseded %s: %w", seg.Key, err)
		}
	}
	return written, nil
}

func (a *Archiver) put(ctx context.Context, key string, batch []domain.Event) error {
	first, last := batch[0], batch[len(batch)-1]
	body, err := encode(batch)
	if err != nil {
		return err
	}
	_, err = a.store.Put(ctx, key, bytes.NewReader(body), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			metaFirst:    strconv.FormatUint(first.Seq, 10),
			metaLast:     strconv.FormatUint(last.Seq, 10),
			metaPrevHash: first.PrevHash,
			metaHash:     last.Hash,
		},
	})
	if err != nil && !errors.Is(err, blob.ErrExists) {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return err
}

// tipState is where archiving resumes.
type tipState struct {
	// archived is the last archived seq and hash its event hash.
	archived uint64
	hash     string
	// after and prevHash start the next batch: the newest segment's first seq
	// when its slot is unfilled, the archived tip otherwise.
	after      uint64
	prevHash   string
	superseded []Segment
}

func (a *Archiver) tip(ctx context.Context) (tipState, error) {
	segs, superseded, err := segments(ctx, a.store, a.prefix)
	if err != nil {
		return tipState{}, err
	}
	t := tipState{superseded: superseded}
	if len(segs) == 0 {
		return t, nil
	}
	last := segs[len(segs)-1]
	info, err := a.store.Head(ctx, last.Key)
	if err != nil {
		return tipState{}, fmt.Errorf("head %s: %w", last.Key, err)
	}
	hash, ok := info.Metadata[metaHash]
	if !ok {
		return tipState{}, fmt.Errorf("%s: missing %s metadata", last.Key, metaHash)
	}
	t.archived, t.hash = last.Last, hash
	t.after, t.prevHash = last.Last, hash

	size := uint64(a.size)
	start := last.First - 1
	if start%size == 0 && last.Last < start+size {
		prev, ok := info.Metadata[metaPrevHash]
		if !ok && last.First > 1 {
			return tipState{}, fmt.Errorf("%s: missing %s metadata", last.Key, metaPrevHash)
		}
		t.after, t.prevHash = start, prev
	}
	return t, nil
}

// Summary describes a verified archive.
type Summary struct {
	Segments int
	Events   int
	LastSeq  uint64
	// Head is the hash of the last archived event.
	Head string
}

// Verify reads every segment under prefix and checks that together they form
// one contiguous, correctly linked chain starting at seq 1. All problems are
// reported, not only the first.
func Verify(ctx context.Context, store blob.Store, prefix string) (Summary, error) {
	var sum Summary
	segs, err := Segments(ctx, store, prefix)
	if err != nil {
		return sum, err
	}
	var result *multierror.Error
	prevHash := ""
	for _, seg := range segs {
		if seg.First != sum.LastSeq+1 {
			result = multierror.Append(result, fmt.Errorf("%s: expected first seq %d", seg.Key, sum.LastSeq+1))
		}
		info, events, err := read(ctx, store, seg)
		if err != nil {
			result = multierror.Append(result, err)
			sum.LastSeq = seg.Last
			continue
		}
		sum.Segments++
		sum.Events += len(events)
		if n := uint64(len(events)); n == 0 || events[0].Seq != seg.First || events[n-1].Seq != seg.Last || n != seg.Last-seg.First+1 {
			result = multierror.Append(result, fmt.Errorf("%s: content does not match key range", seg.Key))
		}
		if got, err := domain.VerifyChain(prevHash, events); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", seg.Key, err))
		} else if want := info.Metadata[metaHash]; want != "" && want != got {
			result = multierror.Append(result, fmt.Errorf("%s: %s metadata does not match content", seg.Key, metaHash))
		}
		if len(events) > 0 {
			prevHash = events[len(events)-1].Hash
		}
		sum.LastSeq = seg.Last
	}
	sum.Head = prevHash
	return sum, result.ErrorOrNil()
}
