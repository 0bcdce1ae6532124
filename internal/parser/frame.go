package parser

import (
	"bytes"
	"encoding/binary"
	"regexp"

	"instrument-gateway/pkg/protocol"
)

// DefaultMaxFrameSize 单帧长度上限，超过视为长度字段损坏
const DefaultMaxFrameSize = 256 * 1024 * 1024

const lengthFieldEnd = 16

// BinaryResult 二进制分帧结果
type BinaryResult struct {
	Frames   [][]byte
	Residual []byte
	// Resyncs 因报文尾或长度字段异常而跳过的起始标识数
	Resyncs int
}

// ExtractBinaryFrames 从缓冲区中切出完整的二进制帧。
// 起始标识后 8 字节处为 8 字节总长度，帧尾必须为 0x03；
// 帧尾不符时从该起始标识后 4 字节继续搜索，不丢弃整个缓冲区。
func ExtractBinaryFrames(data []byte, maxFrameSize uint64) BinaryResult {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	var res BinaryResult
	offset := 0
	keepFrom := -1

	for offset < len(data) {
		idx := bytes.Index(data[offset:], protocol.MagicBytes)
		if idx < 0 {
			break
		}
		start := offset + idx
		if start+lengthFieldEnd > len(data) {
			keepFrom = start
			break
		}

		total := binary.BigEndian.Uint64(data[start+8 : start+lengthFieldEnd])
		if total < protocol.MinFrameSize || total > maxFrameSize {
			res.Resyncs++
			offset = start + len(protocol.MagicBytes)
			continue
		}
		if uint64(len(data)-start) < total {
			keepFrom = start
			break
		}

		end := start + int(total) - 1
		if data[end] != protocol.Tail {
			res.Resyncs++
			offset = start + len(protocol.MagicBytes)
			continue
		}

		frame := make([]byte, total)
		copy(frame, data[start:end+1])
		res.Frames = append(res.Frames, frame)
		offset = end + 1
	}

	switch {
	case keepFrom >= 0:
		res.Residual = append([]byte(nil), data[keepFrom:]...)
	case offset < len(data):
		res.Residual = magicPrefixSuffix(data[offset:])
	}
	return res
}

// magicPrefixSuffix 保留末尾可能构成起始标识前缀的字节
func magicPrefixSuffix(data []byte) []byte {
	for n := len(protocol.MagicBytes) - 1; n > 0; n-- {
		if len(data) >= n && bytes.Equal(data[len(data)-n:], protocol.MagicBytes[:n]) {
			return append([]byte(nil), data[len(data)-n:]...)
		}
	}
	return nil
}

const (
	TextFrameStart = "<head>"
	TextFrameEnd   = "</head>"
)

var textFramePattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(TextFrameStart) + `.*?` + regexp.QuoteMeta(TextFrameEnd))

// ExtractTextFrames 以非贪婪方式匹配 <head>...</head>，匹配部分从缓冲区移除
func ExtractTextFrames(data []byte) ([]string, []byte) {
	locs := textFramePattern.FindAllIndex(data, -1)
	if len(locs) == 0 {
		return nil, data
	}
	frames := make([]string, 0, len(locs))
	residual := make([]byte, 0, len(data))
	last := 0
	for _, loc := range locs {
		frames = append(frames, string(data[loc[0]:loc[1]]))
		residual = append(residual, data[last:loc[0]]...)
		last = loc[1]
	}
	residual = append(residual, data[last:]...)
	return frames, residual
}

// IsBinaryStream 缓冲区是否以二进制起始标识开头
func IsBinaryStream(data []byte) bool {
	return bytes.HasPrefix(data, protocol.MagicBytes)
}
