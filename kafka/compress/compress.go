// Package compress maps Kafka record batch compression codecs onto codec
// libraries.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec is the compression codec id stored in the low bits of the record
// batch attributes
type Codec int8

// Codec values
const (
	None   Codec = 0
	Gzip   Codec = 1
	Snappy Codec = 2
	LZ4    Codec = 3
	Zstd   Codec = 4
)

// CodecMask extracts the codec from record batch attributes
const CodecMask = 0x07

var codecNames = map[Codec]string{
	None:   "none",
	Gzip:   "gzip",
	Snappy: "snappy",
	LZ4:    "lz4",
	Zstd:   "zstd",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", int8(c))
}

// ParseCodec converts a codec name into Codec
func ParseCodec(name string) (Codec, error) {
	if name == "" {
		return None, nil
	}
	for c, n := range codecNames {
		if n == name {
			return c, nil
		}
	}
	return None, fmt.Errorf("unknown compression codec %q (none|gzip|snappy|lz4|zstd expected)", name)
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress compresses src with the given codec
func Compress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappy.Encode(nil, src), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression codec %s", c)
	}
}

// Decompress decompresses src compressed with the given codec
func Decompress(c Codec, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Snappy:
		if isXerial(src) {
			return decodeXerial(src)
		}
		return snappy.Decode(nil, src)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	case Zstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(src, nil)
	default:
		return nil, fmt.Errorf("unsupported compression codec %s", c)
	}
}

// Java clients frame snappy data in the xerial format: a magic header
// followed by length-prefixed snappy blocks
var xerialMagic = []byte{0x82, 'S', 'N', 'A', 'P', 'P', 'Y', 0}

const xerialHeaderLen = 16

func isXerial(src []byte) bool {
	return len(src) >= xerialHeaderLen && bytes.Equal(src[:len(xerialMagic)], xerialMagic)
}

func decodeXerial(src []byte) ([]byte, error) {
	var out []byte
	src = src[xerialHeaderLen:]
	for len(src) > 0 {
		if len(src) < 4 {
			return nil, errors.New("truncated xerial snappy block header")
		}
		n := int(binary.BigEndian.Uint32(src))
		src = src[4:]
		if n > len(src) {
			return nil, errors.New("truncated xerial snappy block")
		}
		block, err := snappy.Decode(nil, src[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		src = src[n:]
	}
	return out, nil
}
