package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/monitor"
	"instrument-gateway/pkg/protocol"
)

var (
	ErrShortPacket    = errors.New("parser: packet shorter than fixed header")
	ErrLengthMismatch = errors.New("parser: total length does not match buffer length")
	ErrSizeOverflow   = errors.New("parser: size field exceeds packet bounds")
	ErrBadMagic       = errors.New("parser: invalid magic")
	ErrBadTail        = errors.New("parser: invalid tail byte")
	ErrCRCMismatch    = errors.New("parser: crc32 mismatch")
)

// CRCPolicy CRC 校验失败时的处理策略
type CRCPolicy int

const (
	// CRCLenient 仅记录告警，仍然返回解码结果
	CRCLenient CRCPolicy = iota
	// CRCStrict 返回解码结果的同时返回 ErrCRCMismatch
	CRCStrict
)

// Codec 协议报文编解码器，维护报文序列号
type Codec struct {
	mu       sync.Mutex
	sequence uint16
	policy   CRCPolicy
	log      *logrus.Logger
}

func NewCodec(log *logrus.Logger, policy CRCPolicy) *Codec {
	return &Codec{
		policy: policy,
		log:    log,
	}
}

// NextSequence 分配下一个报文序列号
func (c *Codec) NextSequence() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sequence
	c.sequence++
	return seq
}

// Build 使用新序列号构造报文
func (c *Codec) Build(businessData string, msgType protocol.MessageType, flag protocol.RequestFlag) ([]byte, uint16) {
	seq := c.NextSequence()
	return c.BuildWithSequence(businessData, msgType, flag, seq), seq
}

// BuildWithSequence 使用指定序列号构造报文（确认报文沿用来报序列号）
func (c *Codec) BuildWithSequence(businessData string, msgType protocol.MessageType, flag protocol.RequestFlag, seq uint16) []byte {
	return Encode(&protocol.Packet{
		Sequence:     seq,
		RequestFlag:  flag,
		MessageType:  msgType,
		BusinessData: businessData,
	})
}

// BuildPacket 构造携带检测数据的报文，Sequence 为 0 时自动分配
func (c *Codec) BuildPacket(p *protocol.Packet) []byte {
	if p.Sequence == 0 {
		p.Sequence = c.NextSequence()
	}
	return Encode(p)
}

// Encode 编码报文，填充长度字段、CRC 和报文尾
func Encode(p *protocol.Packet) []byte {
	biz := []byte(p.BusinessData)
	total := protocol.FixedHeaderSize + len(biz) + len(p.DetectData) + protocol.TrailerSize
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], protocol.Magic)
	version := p.Version
	if version == 0 {
		version = protocol.Version
	}
	buf[4] = version
	binary.BigEndian.PutUint16(buf[5:7], p.Sequence)
	buf[7] = uint8(p.RequestFlag)
	binary.BigEndian.PutUint64(buf[8:16], uint64(total))
	binary.BigEndian.PutUint32(buf[16:20], uint32(p.MessageType))
	buf[20] = p.CompressionFlag
	buf[21] = p.EncryptionFlag
	buf[22] = p.VendorID
	copy(buf[23:38], p.Reserved[:])
	buf[38] = protocol.BusinessFormat
	binary.BigEndian.PutUint64(buf[39:47], uint64(len(biz)))
	off := 47
	off += copy(buf[off:], biz)
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(len(p.DetectData)))
	off += 8
	off += copy(buf[off:], p.DetectData)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:off+4], crc)
	buf[off+4] = protocol.Tail

	p.Magic = protocol.Magic
	p.Version = version
	p.TotalLength = uint64(total)
	p.BusinessFormat = protocol.BusinessFormat
	p.CRC32 = crc
	p.Tail = protocol.Tail
	p.CRCValid = true
	return buf
}

// Parse 解析一条完整报文
func (c *Codec) Parse(data []byte) (*protocol.Packet, error) {
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if p.CRCValid {
		return p, nil
	}

	monitor.CRCMismatches.Inc()
	if c.policy == CRCStrict {
		return p, fmt.Errorf("%w: seq=%d", ErrCRCMismatch, p.Sequence)
	}
	c.log.WithFields(logrus.Fields{
		"seq":  p.Sequence,
		"type": p.MessageType.String(),
	}).Warnf("CRC校验不一致: 收到 0x%08X, 计算 0x%08X", p.CRC32, crc32.ChecksumIEEE(data[:len(data)-protocol.TrailerSize]))
	return p, nil
}

// Decode 按固定布局解码报文，不应用 CRC 策略
func Decode(data []byte) (*protocol.Packet, error) {
	if len(data) < protocol.MinFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}

	p := &protocol.Packet{
		Magic:           binary.BigEndian.Uint32(data[0:4]),
		Version:         data[4],
		Sequence:        binary.BigEndian.Uint16(data[5:7]),
		RequestFlag:     protocol.RequestFlag(data[7]),
		TotalLength:     binary.BigEndian.Uint64(data[8:16]),
		MessageType:     protocol.MessageType(binary.BigEndian.Uint32(data[16:20])),
		CompressionFlag: data[20],
		EncryptionFlag:  data[21],
		VendorID:        data[22],
		BusinessFormat:  data[38],
	}
	copy(p.Reserved[:], data[23:38])

	if p.Magic != protocol.Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, p.Magic)
	}
	if p.TotalLength != uint64(len(data)) {
		return nil, fmt.Errorf("%w: header=%d buffer=%d", ErrLengthMismatch, p.TotalLength, len(data))
	}

	bodyEnd := uint64(len(data) - protocol.TrailerSize)
	bizSize := binary.BigEndian.Uint64(data[39:47])
	if bizSize > bodyEnd-protocol.FixedHeaderSize {
		return nil, fmt.Errorf("%w: business size %d", ErrSizeOverflow, bizSize)
	}
	off := uint64(47)
	p.BusinessData = string(data[off : off+bizSize])
	off += bizSize

	detectSize := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	if detectSize != bodyEnd-off {
		return nil, fmt.Errorf("%w: detect size %d", ErrSizeOverflow, detectSize)
	}
	if detectSize > 0 {
		p.DetectData = make([]byte, detectSize)
		copy(p.DetectData, data[off:off+detectSize])
	}

	p.CRC32 = binary.BigEndian.Uint32(data[bodyEnd : bodyEnd+4])
	p.Tail = data[len(data)-1]
	if p.Tail != protocol.Tail {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadTail, p.Tail)
	}
	p.CRCValid = crc32.ChecksumIEEE(data[:bodyEnd]) == p.CRC32
	return p, nil
}
