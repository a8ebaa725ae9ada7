package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// MaxFrameSize bounds the size of a single frame accepted from the network
const MaxFrameSize = 256 << 20

// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

// apiVersionsKey responses never carry a flexible header
const apiVersionsKey = 18

// Codec frames client requests and parses broker responses
type Codec struct {
	formatter *kmsg.RequestFormatter
}

// NewCodec creates a Codec sending the given client id in request headers
func NewCodec(clientID string) *Codec {
	return &Codec{formatter: kmsg.NewRequestFormatter(kmsg.FormatterClientID(clientID))}
}

// AppendRequest appends the size-prefixed frame of req to dst
func (c *Codec) AppendRequest(dst []byte, req kmsg.Request, correlationID int32) []byte {
	return c.formatter.AppendRequest(dst, req, correlationID)
}

// ReadFrame reads one size-prefixed frame and returns its body
func ReadFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ResponseCorrelationID returns the correlation id of a response frame body
func ResponseCorrelationID(body []byte) (int32, error) {
	if len(body) < 4 {
		return 0, errors.New("response frame too short")
	}
	return int32(binary.BigEndian.Uint32(body)), nil
}

// DecodeResponse parses the body of a response frame to req
func DecodeResponse(req kmsg.Request, body []byte) (kmsg.Response, error) {
	resp := req.ResponseKind()
	resp.SetVersion(req.GetVersion())

	reader := kbin.Reader{Src: body}
	reader.Int32() // correlation id
	if resp.IsFlexible() && resp.Key() != apiVersionsKey {
		kmsg.SkipTags(&reader)
	}
	if err := reader.Complete(); err != nil {
		return nil, fmt.Errorf("failed to parse response header for key %d: %w", req.Key(), err)
	}
	if err := resp.ReadFrom(reader.Src); err != nil {
		return nil, fmt.Errorf("failed to parse response for key %d v%d: %w", req.Key(), req.GetVersion(), err)
	}
	return resp, nil
}

// RequestHeader is the header of a request frame, as seen by a broker
type RequestHeader struct {
	CorrelationID int32
	ClientID      string
}

// DecodeRequest parses the body of a request frame, as a broker does
func DecodeRequest(body []byte) (kmsg.Request, RequestHeader, error) {
	reader := kbin.Reader{Src: body}
	key := reader.Int16()
	version := reader.Int16()
	hdr := RequestHeader{CorrelationID: reader.Int32()}
	if clientID := reader.NullableString(); clientID != nil {
		hdr.ClientID = *clientID
	}
	if err := reader.Complete(); err != nil {
		return nil, hdr, fmt.Errorf("failed to parse request header: %w", err)
	}

	req := kmsg.RequestForKey(key)
	if req == nil {
		return nil, hdr, fmt.Errorf("unknown request key %d", key)
	}
	req.SetVersion(version)
	if req.IsFlexible() {
		kmsg.SkipTags(&reader)
	}
	if err := req.ReadFrom(reader.Src); err != nil {
		return nil, hdr, fmt.Errorf("failed to parse request for key %d v%d: %w", key, version, err)
	}
	return req, hdr, nil
}

// AppendResponse appends the size-prefixed frame of resp to dst, as a broker
// does
func AppendResponse(dst []byte, resp kmsg.Response, correlationID int32) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = kbin.AppendInt32(dst, correlationID)
	if resp.IsFlexible() && resp.Key() != apiVersionsKey {
		dst = append(dst, 0) // empty tag section
	}
	dst = resp.AppendTo(dst)
	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-4))
	return dst
}
