package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/compress"
	"github.com/twmb/franz-go/pkg/kbin"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

const (
	batchMagic = 2

	// baseOffset(8) + batchLength(4)
	batchLogOverhead = 12
	// partitionLeaderEpoch(4) magic(1) crc(4) attributes(2) lastOffsetDelta(4)
	// baseTimestamp(8) maxTimestamp(8) producerID(8) producerEpoch(2)
	// baseSequence(4) recordCount(4)
	batchHeaderLen = 49

	// offset of the crc field from the start of the batch
	crcOffset = 17
	// offset of the attributes field, start of the crc-covered region
	attributesOffset = 21

	attrControl = 0x20
)

// BatchOverhead is the size of an empty record batch
const BatchOverhead = batchLogOverhead + batchHeaderLen

// RecordSize returns the encoded size of a record at the given offset delta,
// including its length prefix
func RecordSize(r api.Record, offsetDelta int32, timestampDelta int64) int {
	n := recordBodySize(r, offsetDelta, timestampDelta)
	return kbin.VarintLen(int32(n)) + n
}

func bytesSize(b []byte) int {
	if b == nil {
		return kbin.VarintLen(-1)
	}
	return kbin.VarintLen(int32(len(b))) + len(b)
}

func recordBodySize(r api.Record, offsetDelta int32, timestampDelta int64) int {
	n := 1 + // attributes
		kbin.VarlongLen(timestampDelta) +
		kbin.VarintLen(offsetDelta) +
		bytesSize(r.Key) +
		bytesSize(r.Value) +
		kbin.VarintLen(int32(len(r.Headers)))
	for _, h := range r.Headers {
		n += kbin.VarintLen(int32(len(h.Key))) + len(h.Key) + bytesSize(h.Value)
	}
	return n
}

func appendRecord(dst []byte, r api.Record, offsetDelta int32, timestampDelta int64) []byte {
	dst = kbin.AppendVarint(dst, int32(recordBodySize(r, offsetDelta, timestampDelta)))
	dst = kbin.AppendInt8(dst, 0)
	dst = kbin.AppendVarlong(dst, timestampDelta)
	dst = kbin.AppendVarint(dst, offsetDelta)
	dst = kbin.AppendVarintBytes(dst, r.Key)
	dst = kbin.AppendVarintBytes(dst, r.Value)
	dst = kbin.AppendVarint(dst, int32(len(r.Headers)))
	for _, h := range r.Headers {
		dst = kbin.AppendVarintString(dst, h.Key)
		dst = kbin.AppendVarintBytes(dst, h.Value)
	}
	return dst
}

// BatchSpec describes a record batch to encode
type BatchSpec struct {
	BaseOffset int64
	Timestamp  time.Time
	Codec      compress.Codec
	Records    []api.Record

	// Timestamps optionally sets per-record timestamps; Timestamp is used
	// for records without one
	Timestamps []time.Time
}

// AppendBatch appends a v2 record batch to dst
func AppendBatch(dst []byte, spec BatchSpec) ([]byte, error) {
	if len(spec.Records) == 0 {
		return nil, errors.New("cannot encode an empty record batch")
	}

	base := spec.Timestamp.UnixMilli()
	maxTS := base
	var records []byte
	for i, r := range spec.Records {
		ts := base
		if i < len(spec.Timestamps) && !spec.Timestamps[i].IsZero() {
			ts = spec.Timestamps[i].UnixMilli()
		}
		if ts > maxTS {
			maxTS = ts
		}
		records = appendRecord(records, r, int32(i), ts-base)
	}
	records, err := compress.Compress(spec.Codec, records)
	if err != nil {
		return nil, fmt.Errorf("failed to compress record batch: %w", err)
	}

	start := len(dst)
	dst = kbin.AppendInt64(dst, spec.BaseOffset)
	dst = kbin.AppendInt32(dst, int32(batchHeaderLen+len(records)))
	dst = kbin.AppendInt32(dst, -1) // partition leader epoch
	dst = kbin.AppendInt8(dst, batchMagic)
	dst = kbin.AppendUint32(dst, 0) // crc, filled below
	dst = kbin.AppendInt16(dst, int16(spec.Codec)&compress.CodecMask)
	dst = kbin.AppendInt32(dst, int32(len(spec.Records)-1))
	dst = kbin.AppendInt64(dst, base)
	dst = kbin.AppendInt64(dst, maxTS)
	dst = kbin.AppendInt64(dst, -1) // producer id
	dst = kbin.AppendInt16(dst, -1) // producer epoch
	dst = kbin.AppendInt32(dst, -1) // base sequence
	dst = kbin.AppendInt32(dst, int32(len(spec.Records)))
	dst = append(dst, records...)

	crc := crc32.Checksum(dst[start+attributesOffset:], crc32c)
	binary.BigEndian.PutUint32(dst[start+crcOffset:], crc)
	return dst, nil
}

// FetchedRecord is a record decoded from a record batch
type FetchedRecord struct {
	api.Record
	Offset    int64
	Timestamp time.Time
}

// DecodedBatches is the result of decoding the record batches of a partition
type DecodedBatches struct {
	Records []FetchedRecord

	// NextOffset is one past the last offset covered by any complete batch,
	// including control batches that carry no user records. 0 if there was
	// no complete batch.
	NextOffset int64
}

// DecodeBatches decodes concatenated v2 record batches. A truncated batch at
// the end, which brokers send when a fetch hits its byte limit, is ignored.
func DecodeBatches(raw []byte) (DecodedBatches, error) {
	var res DecodedBatches
	for len(raw) >= batchLogOverhead {
		length := int32(binary.BigEndian.Uint32(raw[8:]))
		if length < batchHeaderLen {
			return res, fmt.Errorf("invalid record batch length %d", length)
		}
		end := batchLogOverhead + int(length)
		if end > len(raw) {
			break
		}
		if err := decodeBatch(raw[:end], &res); err != nil {
			return res, err
		}
		raw = raw[end:]
	}
	return res, nil
}

func decodeBatch(raw []byte, res *DecodedBatches) error {
	r := kbin.Reader{Src: raw}
	baseOffset := r.Int64()
	r.Int32() // length
	r.Int32() // partition leader epoch
	magic := r.Int8()
	if magic != batchMagic {
		return fmt.Errorf("unsupported record batch magic %d at offset %d", magic, baseOffset)
	}
	crc := r.Uint32()
	if actual := crc32.Checksum(raw[attributesOffset:], crc32c); actual != crc {
		return fmt.Errorf("record batch at offset %d: crc mismatch", baseOffset)
	}
	attributes := r.Int16()
	lastOffsetDelta := r.Int32()
	baseTimestamp := r.Int64()
	r.Int64() // max timestamp
	r.Int64() // producer id
	r.Int16() // producer epoch
	r.Int32() // base sequence
	count := r.Int32()
	if err := r.Complete(); err != nil {
		return fmt.Errorf("record batch at offset %d: %w", baseOffset, err)
	}

	if next := baseOffset + int64(lastOffsetDelta) + 1; next > res.NextOffset {
		res.NextOffset = next
	}
	if attributes&attrControl != 0 {
		return nil
	}

	body, err := compress.Decompress(compress.Codec(attributes&compress.CodecMask), r.Src)
	if err != nil {
		return fmt.Errorf("record batch at offset %d: %w", baseOffset, err)
	}

	rr := kbin.Reader{Src: body}
	for i := int32(0); i < count; i++ {
		length := rr.Varint()
		if length < 0 || int(length) > len(rr.Src) {
			return fmt.Errorf("record batch at offset %d: invalid record length %d", baseOffset, length)
		}
		rec := kbin.Reader{Src: rr.Span(int(length))}
		rec.Int8() // attributes
		tsDelta := rec.Varlong()
		offsetDelta := rec.Varint()
		fr := FetchedRecord{
			Offset:    baseOffset + int64(offsetDelta),
			Timestamp: time.UnixMilli(baseTimestamp + tsDelta),
		}
		fr.Key = rec.VarintBytes()
		fr.Value = rec.VarintBytes()
		nh := rec.Varint()
		for j := int32(0); j < nh; j++ {
			key := rec.VarintString()
			fr.Headers = append(fr.Headers, api.Header{Key: key, Value: rec.VarintBytes()})
		}
		if err := rec.Complete(); err != nil {
			return fmt.Errorf("record at offset %d: %w", fr.Offset, err)
		}
		res.Records = append(res.Records, fr)
	}
	return rr.Complete()
}
