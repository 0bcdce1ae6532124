package parser

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-gateway/pkg/protocol"
)

func buildFrames(t *testing.T, n int) ([][]byte, []byte) {
	t.Helper()
	c := NewCodec(quietLogger(), CRCLenient)
	var frames [][]byte
	var stream []byte
	for i := 0; i < n; i++ {
		f, _ := c.Build(fmt.Sprintf("<error_code>200</error_code><n>%d</n>", i), protocol.TaskReceiveAck, protocol.FlagReply)
		frames = append(frames, f)
		stream = append(stream, f...)
	}
	return frames, stream
}

func TestExtractBinaryFramesAcrossChunks(t *testing.T) {
	want, stream := buildFrames(t, 5)

	for _, chunk := range []int{1, 3, 7, 16, 59, 61, 200} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			d := NewDemuxer("test", 0, 0, quietLogger())
			var got [][]byte
			for off := 0; off < len(stream); off += chunk {
				end := off + chunk
				if end > len(stream) {
					end = len(stream)
				}
				got = append(got, d.FeedBinary(stream[off:end]).Frames...)
			}
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i], got[i])
			}
			assert.Zero(t, d.Buffered())
		})
	}
}

func TestExtractBinaryFramesKeepsPartialFrame(t *testing.T) {
	want, stream := buildFrames(t, 2)
	cut := len(want[0]) + 10

	res := ExtractBinaryFrames(stream[:cut], 0)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, want[0], res.Frames[0])
	assert.Equal(t, stream[len(want[0]):cut], res.Residual)

	res = ExtractBinaryFrames(append(res.Residual, stream[cut:]...), 0)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, want[1], res.Frames[0])
	assert.Empty(t, res.Residual)
}

func TestExtractBinaryFramesResyncsOnBadTail(t *testing.T) {
	want, _ := buildFrames(t, 2)
	corrupt := append([]byte(nil), want[0]...)
	corrupt[len(corrupt)-1] = 0x7F

	stream := append(append([]byte(nil), corrupt...), want[1]...)
	res := ExtractBinaryFrames(stream, 0)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, want[1], res.Frames[0])
	assert.Equal(t, 1, res.Resyncs)
	assert.Empty(t, res.Residual)
}

func TestExtractBinaryFramesResyncsOnBadLength(t *testing.T) {
	want, _ := buildFrames(t, 1)
	garbage := []byte{0xEB, 0x90, 0xEB, 0x90, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5}
	stream := append(append([]byte{0x11, 0x22}, garbage...), want[0]...)

	res := ExtractBinaryFrames(stream, 0)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, want[0], res.Frames[0])
	assert.Equal(t, 1, res.Resyncs)
}

func TestExtractBinaryFramesKeepsMagicPrefix(t *testing.T) {
	res := ExtractBinaryFrames([]byte{0x01, 0x02, 0x03, 0xEB, 0x90}, 0)
	assert.Empty(t, res.Frames)
	assert.Equal(t, []byte{0xEB, 0x90}, res.Residual)

	res = ExtractBinaryFrames([]byte{0x01, 0x02, 0x03}, 0)
	assert.Empty(t, res.Residual)
}

func TestExtractTextFrames(t *testing.T) {
	data := []byte("noise<head>a</head>mid<head>b\nc</head><head>tail")
	frames, residual := ExtractTextFrames(data)
	assert.Equal(t, []string{"<head>a</head>", "<head>b\nc</head>"}, frames)
	assert.Equal(t, "noisemid<head>tail", string(residual))
}

func TestDemuxerRoutesByPrefix(t *testing.T) {
	d := NewDemuxer("tcp", 0, 0, quietLogger())

	out := d.Feed([]byte("<head>x</head>"))
	assert.Equal(t, []string{"<head>x</head>"}, out.Texts)
	assert.Empty(t, out.Frames)

	want, stream := buildFrames(t, 1)
	out = d.Feed(stream)
	require.Len(t, out.Frames, 1)
	assert.True(t, bytes.Equal(want[0], out.Frames[0]))
	assert.Empty(t, out.Texts)
}

func TestDemuxerDropsOversizedResidual(t *testing.T) {
	d := NewDemuxer("tcp", 0, 16, quietLogger())
	d.Feed([]byte("<head>this text never closes"))
	assert.Zero(t, d.Buffered())

	d.Feed([]byte("<he"))
	assert.Equal(t, 3, d.Buffered())
	d.Reset()
	assert.Zero(t, d.Buffered())
}
