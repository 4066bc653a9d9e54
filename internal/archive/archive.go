// Package archive replicates every inbound and outbound frame to Kafka
// (SPEC_FULL.md §4.8, ambient item 13), keyed by SessionId so kafka-go's
// hash balancer (pkg/mq.NewProducer) routes one session's frames to a
// single partition and hence preserves send order. The archive is the
// durability substrate session.Replayer draws on for the Retransmit
// resolution of NotApplied; the admin API does not read from it.
package archive

import (
	"context"
	"fmt"

	"github.com/wyfcoding/fixgateway/pkg/mq"
)

// Direction distinguishes frames this gateway sent from frames it received,
// since both share one topic per spec.md §4.8's "every frame" wording.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// Frame is one archived wire frame.
type Frame struct {
	SessionID uint64    `json:"session_id"`
	Direction Direction `json:"direction"`
	SeqNo     uint64    `json:"seq_no"`
	Data      []byte    `json:"data"`
	TimeMs    int64     `json:"time_ms"`
}

// Writer appends frames to a Kafka topic. It never blocks the session
// layer's Poll loop on a slow broker for longer than ctx allows; callers
// should pass a short-deadline context and treat a write failure as
// best-effort (spec.md §4.8 does not make archival a precondition for
// accepting a message).
type Writer struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewWriter wraps producer for archival writes to topic.
func NewWriter(producer *mq.KafkaProducer, topic string) *Writer {
	return &Writer{producer: producer, topic: topic}
}

// Append archives one frame. The key is the decimal SessionID so every
// frame for a session lands on the same partition.
func (w *Writer) Append(ctx context.Context, f Frame) error {
	key := fmt.Sprintf("%d", f.SessionID)
	if err := w.producer.SendMessage(ctx, w.topic, key, f); err != nil {
		return fmt.Errorf("archive: append frame: %w", err)
	}
	return nil
}

// Close releases the underlying producer's resources.
func (w *Writer) Close() error {
	return w.producer.Close()
}

// Reader replays archived outbound frames from its consumer's topic,
// whichever session they belong to, implementing
// session.Replayer so an established session can satisfy a NotApplied
// Retransmit resolution from durable storage rather than only from
// in-memory history.
type Reader struct {
	consumer *mq.KafkaConsumer
}

// NewReader wraps consumer for archive playback.
func NewReader(consumer *mq.KafkaConsumer) *Reader {
	return &Reader{consumer: consumer}
}

// Replay scans forward from the consumer's current offset and returns the
// raw frame bytes of outbound frames with SeqNo in [fromSeqNo,
// fromSeqNo+count), in order. The uuid argument is ignored and frames are
// not filtered by SessionID. It implements session.Replayer; callers needing random access to older
// history should seek the underlying consumer (or query the offline copy)
// before calling Replay, since a Kafka consumer only reads forward.
func (r *Reader) Replay(uuid uint64, fromSeqNo uint64, count uint32) ([][]byte, error) {
	ctx := context.Background()
	toSeqNoExclusive := fromSeqNo + uint64(count)
	out := make([][]byte, 0, count)

	for uint64(len(out)) < uint64(count) {
		msg, err := r.consumer.ReadMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: replay read: %w", err)
		}
		var f Frame
		if err := msg.UnmarshalPayload(&f); err != nil {
			return nil, fmt.Errorf("archive: replay unmarshal: %w", err)
		}
		if f.Direction != Outbound || f.SeqNo < fromSeqNo {
			continue
		}
		if f.SeqNo >= toSeqNoExclusive {
			break
		}
		out = append(out, f.Data)
	}
	return out, nil
}
