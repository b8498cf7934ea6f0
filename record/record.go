// Package record implements the in-memory event record: an immutable
// wrapper binding a build-tool event to its artifact-upload future,
// sequence number, timestamp and terminator flag, serialized once its
// future resolves.
package record

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/anypb"
)

// PathConverter resolves a local file path to its wire-visible identifier,
// produced by the artifact uploader once all files an event references have
// been uploaded. A nil converter is valid: it means the event referenced no
// local files.
type PathConverter func(localPath string) (string, bool)

// PayloadFuture resolves to a PathConverter once the event's artifact batch
// has finished uploading. Get blocks until the future resolves or ctx is
// done.
type PayloadFuture interface {
	Get(ctx context.Context) (PathConverter, error)
}

// Serializer renders an opaque build-tool event into its packed wire form,
// given the path converter resolved from the event's artifact future. Event
// serialization itself is a host-supplied collaborator; this is the
// callback the record invokes once its future resolves.
type Serializer func(event any, conv PathConverter) (*anypb.Any, error)

// Record is an immutable event record. It is safe to read concurrently
// once constructed; nothing about a Record ever mutates after
// NewRecord/NewTerminator returns.
type Record struct {
	sequenceNumber int64
	eventTime      time.Time
	future         PayloadFuture
	sourceEvent    any
	isTerminator   bool
}

// NewRecord constructs a record for a real build-tool event.
func NewRecord(seq int64, eventTime time.Time, future PayloadFuture, sourceEvent any) *Record {
	return &Record{
		sequenceNumber: seq,
		eventTime:      eventTime,
		future:         future,
		sourceEvent:    sourceEvent,
	}
}

// NewTerminator constructs the sentinel record that ends a stream attempt.
// Its future always resolves immediately to a nil converter.
func NewTerminator(seq int64, eventTime time.Time) *Record {
	return &Record{
		sequenceNumber: seq,
		eventTime:      eventTime,
		future:         resolvedFuture{},
		isTerminator:   true,
	}
}

// SequenceNumber returns the record's assigned, never-reused sequence number.
func (r *Record) SequenceNumber() int64 { return r.sequenceNumber }

// EventTime returns the wall-clock timestamp captured at ingress.
func (r *Record) EventTime() time.Time { return r.eventTime }

// IsTerminator reports whether this record is the sentinel marking
// "no more events"; a stream has at most one terminator.
func (r *Record) IsTerminator() bool { return r.isTerminator }

// Serialize awaits the record's payload future, always before
// serialization, then packs the source event via ser. Terminator records
// have no source event and must not be passed to Serialize.
func (r *Record) Serialize(ctx context.Context, ser Serializer) (*anypb.Any, error) {
	conv, err := r.future.Get(ctx)
	if err != nil {
		return nil, err
	}
	return ser(r.sourceEvent, conv)
}

type resolvedFuture struct{}

func (resolvedFuture) Get(context.Context) (PathConverter, error) { return nil, nil }
