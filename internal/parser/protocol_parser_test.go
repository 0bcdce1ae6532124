package parser

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-gateway/pkg/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestBuildParseRoundTrip(t *testing.T) {
	c := NewCodec(quietLogger(), CRCLenient)
	biz := "<IDescription><version>1.0</version></IDescription>"

	buf, seq := c.Build(biz, protocol.TaskIssued, protocol.FlagRequest)
	assert.Equal(t, uint16(0), seq)
	assert.Len(t, buf, protocol.FixedHeaderSize+len(biz)+protocol.TrailerSize)
	assert.Equal(t, uint64(len(buf)), binary.BigEndian.Uint64(buf[8:16]))
	assert.Equal(t, protocol.Tail, buf[len(buf)-1])

	p, err := c.Parse(buf)
	require.NoError(t, err)
	assert.True(t, p.CRCValid)
	assert.Equal(t, protocol.Magic, p.Magic)
	assert.Equal(t, protocol.Version, p.Version)
	assert.Equal(t, seq, p.Sequence)
	assert.Equal(t, protocol.FlagRequest, p.RequestFlag)
	assert.Equal(t, protocol.TaskIssued, p.MessageType)
	assert.Equal(t, protocol.BusinessFormat, p.BusinessFormat)
	assert.Equal(t, biz, p.BusinessData)
	assert.Empty(t, p.DetectData)
}

func TestBuildPacketWithDetectData(t *testing.T) {
	c := NewCodec(quietLogger(), CRCStrict)
	detect := []byte{0x50, 0x4B, 0x03, 0x04, 0x00, 0x01, 0x02}
	buf := c.BuildPacket(&protocol.Packet{
		Sequence:        42,
		MessageType:     protocol.FileUpload,
		CompressionFlag: 1,
		BusinessData:    "<IDescription/>",
		DetectData:      detect,
	})
	assert.Len(t, buf, protocol.FixedHeaderSize+len("<IDescription/>")+len(detect)+protocol.TrailerSize)

	p, err := c.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), p.Sequence)
	assert.True(t, p.Compressed())
	assert.Equal(t, detect, p.DetectData)
}

func TestSequenceIncrementsAndWraps(t *testing.T) {
	c := NewCodec(quietLogger(), CRCLenient)
	_, s0 := c.Build("a", protocol.TaskIssued, protocol.FlagRequest)
	_, s1 := c.Build("b", protocol.TaskIssued, protocol.FlagRequest)
	assert.Equal(t, s0+1, s1)

	c.sequence = 0xFFFF
	assert.Equal(t, uint16(0xFFFF), c.NextSequence())
	assert.Equal(t, uint16(0), c.NextSequence())
}

func TestBuildWithSequenceKeepsSequence(t *testing.T) {
	c := NewCodec(quietLogger(), CRCLenient)
	buf := c.BuildWithSequence(protocol.BusinessDataAck, protocol.FileUploadAck, protocol.FlagReply, 7)
	p, err := c.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), p.Sequence)
	assert.Equal(t, protocol.FlagReply, p.RequestFlag)

	code, ok := protocol.ParseAckCode(p.BusinessData)
	require.True(t, ok)
	assert.Equal(t, protocol.AckCodeOK, code)
	// 指定序列号不消耗计数器
	assert.Equal(t, uint16(0), c.NextSequence())
}

func TestCRCMismatchPolicy(t *testing.T) {
	buf, _ := NewCodec(quietLogger(), CRCLenient).Build("payload-data", protocol.TaskIssued, protocol.FlagRequest)
	// 改动业务数据中的一个字节
	buf[48] ^= 0xFF

	lenient := NewCodec(quietLogger(), CRCLenient)
	p, err := lenient.Parse(buf)
	require.NoError(t, err)
	assert.False(t, p.CRCValid)

	strict := NewCodec(quietLogger(), CRCStrict)
	p, err = strict.Parse(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCRCMismatch))
	require.NotNil(t, p)
	assert.False(t, p.CRCValid)
}

func TestDecodeStructuralErrors(t *testing.T) {
	good := Encode(&protocol.Packet{MessageType: protocol.TaskReceiveAck, BusinessData: protocol.BusinessDataAck})

	t.Run("short", func(t *testing.T) {
		_, err := Decode(good[:20])
		assert.ErrorIs(t, err, ErrShortPacket)
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := Decode(append(append([]byte(nil), good...), 0x00))
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("bad magic", func(t *testing.T) {
		buf := append([]byte(nil), good...)
		buf[0] = 0x00
		_, err := Decode(buf)
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("bad tail", func(t *testing.T) {
		buf := append([]byte(nil), good...)
		buf[len(buf)-1] = 0x04
		_, err := Decode(buf)
		assert.ErrorIs(t, err, ErrBadTail)
	})

	t.Run("business size overflow", func(t *testing.T) {
		buf := append([]byte(nil), good...)
		binary.BigEndian.PutUint64(buf[39:47], 1<<40)
		_, err := Decode(buf)
		assert.ErrorIs(t, err, ErrSizeOverflow)
	})
}
