package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	codec := NewCodec("kclient-test")

	req := kmsg.NewPtrMetadataRequest()
	topic := kmsg.NewMetadataRequestTopic()
	topic.Topic = kmsg.StringPtr("orders")
	req.Topics = append(req.Topics, topic)
	Pin(req)
	require.Equal(t, int16(7), req.GetVersion())

	frame := codec.AppendRequest(nil, req, 42)
	body, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)

	decoded, hdr, err := DecodeRequest(body)
	require.NoError(t, err)
	require.Equal(t, int32(42), hdr.CorrelationID)
	require.Equal(t, "kclient-test", hdr.ClientID)
	mreq := decoded.(*kmsg.MetadataRequest)
	require.Equal(t, "orders", *mreq.Topics[0].Topic)

	resp := mreq.ResponseKind().(*kmsg.MetadataResponse)
	resp.SetVersion(mreq.GetVersion())
	broker := kmsg.NewMetadataResponseBroker()
	broker.NodeID, broker.Host, broker.Port = 1, "localhost", 9092
	resp.Brokers = append(resp.Brokers, broker)

	respFrame := AppendResponse(nil, resp, 42)
	respBody, err := ReadFrame(bytes.NewReader(respFrame))
	require.NoError(t, err)
	corr, err := ResponseCorrelationID(respBody)
	require.NoError(t, err)
	require.Equal(t, int32(42), corr)

	parsed, err := DecodeResponse(req, respBody)
	require.NoError(t, err)
	require.Equal(t, "localhost", parsed.(*kmsg.MetadataResponse).Brokers[0].Host)
}

func TestReadFrameErrors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 10, 1, 2}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0x7f, 0xff, 0xff, 0xff}))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
