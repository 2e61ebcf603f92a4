package wireproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, FrameInvoke, 42, &InvokeBody{APIName: "Blog", OpName: "Get", Args: []byte{1, 2, 3}})
	require.NoError(t, err)

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameInvoke, f.Header.Type)
	require.Equal(t, uint64(42), f.Header.RequestID)

	body, ok := f.Body.(*InvokeBody)
	require.True(t, ok)
	require.Equal(t, "Blog", body.APIName)
	require.Equal(t, "Get", body.OpName)
	require.Equal(t, []byte{1, 2, 3}, body.Args)
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, err := ReadFrame(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	hdr := FrameHeader{Magic: Magic, Version: Version, Type: FrameInvoke, Length: maxFrameBytes + 1}
	var hdrBuf [HeaderSize]byte
	hdr.encode(hdrBuf[:])
	buf.Write(hdrBuf[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameHeartbeat, 0, &HeartbeatBody{}))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameHeartbeat, f.Header.Type)
}
