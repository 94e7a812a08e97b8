package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketcore/pkg/domain"
)

// TraceRecord is one finished command as written by JSONTracer.
type TraceRecord struct {
	Span       string      `json:"span"`
	Operation  string      `json:"op"`
	Caller     string      `json:"caller,omitempty"`
	Started    domain.Time `json:"started"`
	DurationUS int64       `json:"duration_us"`
	Error      string      `json:"error,omitempty"`
}

// JSONTracer appends a TraceRecord line to w for every command. Records are
// written when the span ends, so concurrent commands may interleave.
type JSONTracer struct {
	clock Clock

	mu  sync.Mutex
	enc *json.Encoder
	err error
}

// NewJSONTracer writes spans to w, timed by clock (wall time when nil).
func NewJSONTracer(w io.Writer, clock Clock) *JSONTracer {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	return &JSONTracer{clock: clock, enc: json.NewEncoder(w)}
}

// Start implements Tracer. The caller attached to ctx, if any, is recorded.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	rec := TraceRecord{Span: uuid.NewString(), Operation: operation, Started: domain.At(t.clock.Now())}
	if caller, ok := callerFrom(ctx); ok {
		rec.Caller = caller.Hex()
	}
	return ctx, &jsonSpan{tracer: t, rec: rec}
}

// Err reports the first write failure. Later spans are dropped after one.
func (t *JSONTracer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *JSONTracer) write(rec TraceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = t.enc.Encode(rec)
}

type jsonSpan struct {
	tracer *JSONTracer
	rec    TraceRecord
}

func (s *jsonSpan) End(err error) {
	s.rec.DurationUS = s.tracer.clock.Now().Sub(s.rec.Started.Time).Microseconds()
	if err != nil {
		s.rec.Error = err.Error()
	}
	s.tracer.write(s.rec)
}

// ReadTraces decodes the records written by a JSONTracer.
func ReadTraces(r io.Reader) ([]TraceRecord, error) {
	var out []TraceRecord
	dec := json.NewDecoder(r)
	for dec.More() {
		var rec TraceRecord
		if err := dec.Decode(&rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
