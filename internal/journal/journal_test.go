package journal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"marketcore/internal/blob"
	"marketcore/internal/funds"
	"marketcore/internal/journal"
	"marketcore/internal/markettest"
	"marketcore/pkg/domain"
)

func seeded(t *testing.T) *markettest.Ledger {
	t.Helper()
	l := markettest.New(t, nil)
	markettest.Seed(t, l, 10, 100)
	return l
}

func TestArchiveWritesContiguousSegments(t *testing.T) {
	ctx := context.Background()
	l := seeded(t)
	store := blob.NewMemory()
	a := journal.NewArchiver(l.Store, store, journal.WithSegmentSize(2))

	n, err := a.Archive(ctx)
	require.NoError(t, err)
	require.EqualValues(t, l.Store.LastSeq(), n)

	segs, err := journal.Segments(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	require.EqualValues(t, 1, segs[0].First)
	require.Equal(t, journal.SegmentKey(journal.DefaultPrefix, 1, 2), segs[0].Key)
	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].Last+1, segs[i].First)
	}

	info, err := store.Head(ctx, segs[0].Key)
	require.NoError(t, err)
	require.Equal(t, "application/x-ndjson", info.ContentType)
	require.Equal(t, "1", info.Metadata["first"])
	require.Equal(t, "", info.Metadata["prev-hash"])

	events, err := journal.Read(ctx, store, segs[0])
	require.NoError(t, err)
	want := l.Store.Events(0, 2)
	require.Len(t, events, 2)
	require.Equal(t, want[1].Hash, events[1].Hash)
	_, err = domain.VerifyChain("", events)
	require.NoError(t, err)
}

func TestArchiveResumesFromLastSegment(t *testing.T) {
	ctx := context.Background()
	l := seeded(t)
	store := blob.NewMemory()
	a := journal.NewArchiver(l.Store, store)

	first, err := a.Archive(ctx)
	require.NoError(t, err)
	again, err := a.Archive(ctx)
	require.NoError(t, err)
	require.Zero(t, again)

	l.Must(markettest.Consumer, func(tx domain.Transaction) error {
		_, err := funds.Deposit(tx, markettest.Consumer, 5)
		return err
	})
	// A fresh archiver finds its place from the archive alone and extends
	// the unfilled segment in place of appending a new one.
	more, err := journal.NewArchiver(l.Store, store).Archive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, more)

	keys, err := store.List(ctx, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, journal.SegmentKey(journal.DefaultPrefix, 1, l.Store.LastSeq()), keys[0].Key)

	sum, err := journal.Verify(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Segments)
	require.Equal(t, first+more, sum.Events)
	require.Equal(t, l.Store.LastSeq(), sum.LastSeq)
	require.Equal(t, l.Store.Events(l.Store.LastSeq()-1, 1)[0].Hash, sum.Head)
}

// behind serves a journal only up to seq last, like a replica that has not
// caught up yet.
type behind struct {
	src  journal.Source
	last uint64
}

func (b behind) Events(after uint64, limit int) []domain.Event {
	var out []domain.Event
	for _, e := range b.src.Events(after, limit) {
		if e.Seq <= b.last {
			out = append(out, e)
		}
	}
	return out
}

// unlisted hides existing segments, like an archiver that raced another one
// to an empty prefix.
type unlisted struct{ blob.Store }

func (unlisted) List(context.Context, string) ([]blob.Info, error) { return nil, nil }

func segmentKeys(t *testing.T, store blob.Store) []string {
	t.Helper()
	segs, err := journal.Segments(context.Background(), store, journal.DefaultPrefix)
	require.NoError(t, err)
	var keys []string
	for _, seg := range segs {
		keys = append(keys, seg.Key)
	}
	return keys
}

func TestSegmentsEndOnSizeMultiples(t *testing.T) {
	ctx := context.Background()
	l := seeded(t)
	require.GreaterOrEqual(t, l.Store.LastSeq(), uint64(6))
	store := blob.NewMemory()
	opt := journal.WithSegmentSize(4)

	for _, last := range []uint64{1, 3, 5, 6} {
		_, err := journal.NewArchiver(behind{l.Store, last}, store, opt).Archive(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, []string{
		journal.SegmentKey(journal.DefaultPrefix, 1, 4),
		journal.SegmentKey(journal.DefaultPrefix, 5, 6),
	}, segmentKeys(t, store))

	all, err := store.List(ctx, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, all, 2, "superseded partial segments are dropped")
}

func TestInterleavedArchiversConverge(t *testing.T) {
	ctx := context.Background()
	l := seeded(t)
	require.GreaterOrEqual(t, l.Store.LastSeq(), uint64(6))
	store := blob.NewMemory()
	opt := journal.WithSegmentSize(4)

	// Two archivers reach the empty archive together, one seeing three
	// events and the other five.
	slow := journal.NewArchiver(behind{l.Store, 3}, store, opt)
	fast := journal.NewArchiver(behind{l.Store, 5}, unlisted{store}, opt)
	_, err := slow.Archive(ctx)
	require.NoError(t, err)
	_, err = fast.Archive(ctx)
	require.NoError(t, err)

	sum, err := journal.Verify(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err, "overlapping partial segments still verify")
	require.EqualValues(t, 5, sum.LastSeq)

	// The lagging archiver runs again and finds nothing to add.
	n, err := slow.Archive(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = journal.NewArchiver(l.Store, store, opt).Archive(ctx)
	require.NoError(t, err)
	require.EqualValues(t, l.Store.LastSeq()-5, n)

	sum, err = journal.Verify(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Equal(t, l.Store.LastSeq(), sum.LastSeq)
	require.EqualValues(t, l.Store.LastSeq(), sum.Events)

	// The same journal archived in one pass yields the same keys.
	fresh := blob.NewMemory()
	_, err = journal.NewArchiver(l.Store, fresh, opt).Archive(ctx)
	require.NoError(t, err)
	require.Equal(t, segmentKeys(t, fresh), segmentKeys(t, store))
	all, err := store.List(ctx, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Len(t, all, len(segmentKeys(t, fresh)))
}

func TestArchiveRefusesDivergedSource(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	_, err := journal.NewArchiver(seeded(t).Store, store).Archive(ctx)
	require.NoError(t, err)

	// A different ledger with a longer journal cannot extend this archive.
	other := seeded(t)
	other.Must(markettest.Consumer, func(tx domain.Transaction) error {
		_, err := funds.Deposit(tx, markettest.Consumer, 1)
		return err
	})
	_, err = journal.NewArchiver(other.Store, store).Archive(ctx)
	require.ErrorIs(t, err, journal.ErrDiverged)
}

func TestVerifyReportsEveryBrokenSegment(t *testing.T) {
	ctx := context.Background()
	l := seeded(t)
	store := blob.NewMemory()
	_, err := journal.NewArchiver(l.Store, store, journal.WithSegmentSize(2)).Archive(ctx)
	require.NoError(t, err)
	segs, err := journal.Segments(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segs), 3)

	// Rewrite the first segment with a tampered payload.
	events, err := journal.Read(ctx, store, segs[0])
	require.NoError(t, err)
	events[0].Payload = json.RawMessage(`{"tampered":true}`)
	var buf bytes.Buffer
	for _, e := range events {
		require.NoError(t, json.NewEncoder(&buf).Encode(e))
	}
	_, err = store.Delete(ctx, segs[0].Key)
	require.NoError(t, err)
	_, err = store.Put(ctx, segs[0].Key, &buf, blob.PutOptions{})
	require.NoError(t, err)

	// And drop a later one to leave a gap.
	_, err = store.Delete(ctx, segs[1].Key)
	require.NoError(t, err)

	_, err = journal.Verify(ctx, store, journal.DefaultPrefix)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "hash mismatch")
	require.Contains(t, msg, "expected first seq")
}

func TestSegmentsIgnoresForeignKeys(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	for _, key := range []string{"journal/readme.txt", "journal/00000000000000000002-00000000000000000001.ndjson", "other/x"} {
		_, err := store.Put(ctx, key, strings.NewReader("x"), blob.PutOptions{})
		require.NoError(t, err)
	}
	segs, err := journal.Segments(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Empty(t, segs)

	sum, err := journal.Verify(ctx, store, journal.DefaultPrefix)
	require.NoError(t, err)
	require.Zero(t, sum.Segments)
}
