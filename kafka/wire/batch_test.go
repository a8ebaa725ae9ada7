package wire

import (
	"fmt"
	"testing"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/compress"
	"github.com/stretchr/testify/require"
)

func testRecords(n int) []api.Record {
	var records []api.Record
	for i := 0; i < n; i++ {
		r := api.Record{Value: []byte(fmt.Sprintf("value-%d", i))}
		if i%2 == 0 {
			r.Key = []byte(fmt.Sprintf("key-%d", i))
			r.Headers = []api.Header{{Key: "h1", Value: []byte("v1")}, {Key: "h0", Value: nil}}
		}
		records = append(records, r)
	}
	return records
}

func TestBatchRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	records := testRecords(5)
	for _, codec := range []compress.Codec{compress.None, compress.Gzip, compress.Snappy, compress.LZ4, compress.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			raw, err := AppendBatch(nil, BatchSpec{BaseOffset: 40, Timestamp: ts, Codec: codec, Records: records})
			require.NoError(t, err)

			decoded, err := DecodeBatches(raw)
			require.NoError(t, err)
			require.Len(t, decoded.Records, len(records))
			require.Equal(t, int64(45), decoded.NextOffset)
			for i, fr := range decoded.Records {
				require.Equal(t, int64(40+i), fr.Offset)
				require.Equal(t, ts, fr.Timestamp)
				require.Equal(t, records[i].Key, fr.Key)
				require.Equal(t, records[i].Value, fr.Value)
				require.Equal(t, records[i].Headers, fr.Headers)
			}
		})
	}
}

func TestRecordSizeMatchesEncoding(t *testing.T) {
	records := testRecords(3)
	raw, err := AppendBatch(nil, BatchSpec{Timestamp: time.Now(), Records: records})
	require.NoError(t, err)
	size := BatchOverhead
	for i, r := range records {
		size += RecordSize(r, int32(i), 0)
	}
	require.Equal(t, size, len(raw))
}

func TestDecodeTruncatedTail(t *testing.T) {
	first, err := AppendBatch(nil, BatchSpec{BaseOffset: 0, Timestamp: time.Now(), Records: testRecords(2)})
	require.NoError(t, err)
	both, err := AppendBatch(first, BatchSpec{BaseOffset: 2, Timestamp: time.Now(), Records: testRecords(2)})
	require.NoError(t, err)

	decoded, err := DecodeBatches(both[:len(both)-5])
	require.NoError(t, err)
	require.Len(t, decoded.Records, 2)
	require.Equal(t, int64(2), decoded.NextOffset)
}

func TestDecodeCorrupt(t *testing.T) {
	raw, err := AppendBatch(nil, BatchSpec{Timestamp: time.Now(), Records: testRecords(1)})
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = DecodeBatches(raw)
	require.ErrorContains(t, err, "crc mismatch")
}

func TestEmptyBatch(t *testing.T) {
	_, err := AppendBatch(nil, BatchSpec{Timestamp: time.Now()})
	require.Error(t, err)
}
