// Package stagingsink implements sinks.Sink writing every batch as
// newline-delimited JSON to blobstore, per spec.md's staging blob
// format: "{runId}-{nanos}.jsonl", one NormalizedRecord per line.
// Every run stages its batches here regardless of which sink.Sink is
// configured for graph writes — this gives operators a durable,
// replayable raw copy of what a driver produced. Grounded on
// blobstore.Store.Put (storage/s3aws.go's PutObject idiom) plus
// queue.RabbitMQService's json.Marshal-then-publish pattern
// (queue/rabbit.go), generalized from one message per call to one line
// per record.
package stagingsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/blobstore"
	"github.com/nucleus-metadata/ingestiond/drivers"
	"github.com/nucleus-metadata/ingestiond/sinks"
)

const SinkID = "staging"

// Clock lets tests control the nanosecond component of staged
// filenames without depending on the real wall clock.
type Clock func() int64

// Sink stages batches as ndjson blobs.
type Sink struct {
	store *blobstore.Store
	now   Clock
}

func New(store *blobstore.Store) *Sink {
	return &Sink{store: store, now: func() int64 { return time.Now().UnixNano() }}
}

// NewWithClock is the test seam: callers supply a deterministic Clock.
func NewWithClock(store *blobstore.Store, clock Clock) *Sink {
	return &Sink{store: store, now: clock}
}

func (s *Sink) SinkID() string { return SinkID }

func (s *Sink) Begin(ctx context.Context, meta sinks.RunMeta) (sinks.Session, error) {
	return &session{store: s.store, meta: meta, now: s.now}, nil
}

type session struct {
	store *blobstore.Store
	meta  sinks.RunMeta
	now   Clock
}

func (sess *session) WriteBatch(ctx context.Context, batch drivers.Batch) (sinks.WriteStats, error) {
	var buf bytes.Buffer
	for _, rec := range batch.Records {
		line, err := json.Marshal(rec)
		if err != nil {
			return sinks.WriteStats{}, apperr.Wrap(apperr.Internal, err, "marshal staged record")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	key := stagingKey(sess.meta, sess.now())
	if err := sess.store.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return sinks.WriteStats{}, apperr.Wrap(apperr.CodeOf(err), err, "stage batch")
	}
	return sinks.WriteStats{RecordsSeen: len(batch.Records)}, nil
}

// stagingKey builds the staging blob name per spec.md's
// "{runId}-{nanos}.jsonl" convention, namespaced under the endpoint
// and unit the way blobstore.StagedBatchKey namespaces its own keys.
func stagingKey(meta sinks.RunMeta, nanos int64) string {
	return fmt.Sprintf("staging/%s/%s/%s-%d.jsonl", meta.EndpointID, meta.UnitID, meta.RunID, nanos)
}

// Commit and Abort are no-ops: each WriteBatch call already durably
// persisted its own object; there is nothing left pending to finalize
// or discard, the same reasoning graphsink documents for its own
// Commit/Abort.
func (sess *session) Commit(ctx context.Context) error { return nil }
func (sess *session) Abort(ctx context.Context) error  { return nil }
