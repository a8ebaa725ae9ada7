package api

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// Header is a record header. Header order within a record is preserved.
type Header struct {
	Key   string
	Value []byte
}

// Record is the payload of a Kafka record. A nil Key means the record has no
// key.
type Record struct {
	Key     []byte
	Value   []byte
	Headers []Header
}

// TopicPartition identifies a partition of a topic
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// ProducerRecord is a record submitted for production
type ProducerRecord struct {
	Record
	Topic string

	// Partition is the explicit target partition. When nil, the partition is
	// derived from the key hash, or picked round-robin for keyless records.
	Partition *int32
}

// ConsumerRecord is a record returned by the consumer
type ConsumerRecord struct {
	Record
	TopicPartition
	Offset    int64
	Timestamp time.Time
}

// Outcome is the result of delivering a single ProducerRecord. It is resolved
// exactly once: either Err is nil and Offset is the offset assigned by the
// broker, or Err describes the failure.
//
// Offset is -1 when the producer does not wait for acknowledgements.
type Outcome struct {
	Record ProducerRecord
	TopicPartition
	Offset int64
	Err    error
}

// PartitionPtr is a helper to fill ProducerRecord.Partition
func PartitionPtr(p int32) *int32 {
	return &p
}

func marshalRecord(r Record, e zapcore.ObjectEncoder) error {
	if r.Key != nil {
		e.AddByteString("key", r.Key)
	}
	if len(r.Headers) > 0 {
		err := e.AddObject("headers", zapcore.ObjectMarshalerFunc(func(e zapcore.ObjectEncoder) error {
			for _, h := range r.Headers {
				e.AddByteString(h.Key, h.Value)
			}
			return nil
		}))
		if err != nil {
			return err
		}
	}
	e.AddByteString("value", r.Value)
	return nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler to allow logging of TopicPartition with zap.Object
func (tp TopicPartition) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("topic", tp.Topic)
	e.AddInt32("partition", tp.Partition)
	return nil
}

// MarshalLogObject implements zapcore.ObjectMarshaler to allow logging of ProducerRecord with zap.Object
func (r ProducerRecord) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("topic", r.Topic)
	if r.Partition != nil {
		e.AddInt32("partition", *r.Partition)
	}
	return marshalRecord(r.Record, e)
}

// MarshalLogObject implements zapcore.ObjectMarshaler to allow logging of ConsumerRecord with zap.Object
func (r ConsumerRecord) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if err := r.TopicPartition.MarshalLogObject(e); err != nil {
		return err
	}
	e.AddInt64("offset", r.Offset)
	e.AddTime("timestamp", r.Timestamp)
	return marshalRecord(r.Record, e)
}

// MarshalLogObject implements zapcore.ObjectMarshaler to allow logging of Outcome with zap.Object
func (o Outcome) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if err := o.TopicPartition.MarshalLogObject(e); err != nil {
		return err
	}
	e.AddInt64("offset", o.Offset)
	if o.Err != nil {
		e.AddString("error", o.Err.Error())
	}
	return nil
}
