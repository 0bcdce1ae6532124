package parser

import (
	"sync"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/monitor"
)

// DefaultMaxBuffered 残留缓冲上限
const DefaultMaxBuffered = 64 * 1024 * 1024

// Demuxed 一次喂入后得到的完整帧
type Demuxed struct {
	Frames [][]byte
	Texts  []string
}

// Empty 是否没有任何完整帧
func (d Demuxed) Empty() bool {
	return len(d.Frames) == 0 && len(d.Texts) == 0
}

// Demuxer 单个连接的分帧缓冲区
type Demuxer struct {
	mu           sync.Mutex
	residual     []byte
	maxFrameSize uint64
	maxBuffered  int
	key          string
	log          *logrus.Logger
}

func NewDemuxer(key string, maxFrameSize uint64, maxBuffered int, log *logrus.Logger) *Demuxer {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Demuxer{
		key:          key,
		maxFrameSize: maxFrameSize,
		maxBuffered:  maxBuffered,
		log:          log,
	}
}

// Feed 追加数据；缓冲区以起始标识开头时按二进制分帧，否则按文本分帧
func (d *Demuxer) Feed(chunk []byte) Demuxed {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.residual = append(d.residual, chunk...)
	if IsBinaryStream(d.residual) {
		return d.extractBinary()
	}

	texts, residual := ExtractTextFrames(d.residual)
	d.residual = residual
	d.checkLimit()
	return Demuxed{Texts: texts}
}

// FeedBinary 追加数据并始终按二进制分帧
func (d *Demuxer) FeedBinary(chunk []byte) Demuxed {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.residual = append(d.residual, chunk...)
	return d.extractBinary()
}

func (d *Demuxer) extractBinary() Demuxed {
	res := ExtractBinaryFrames(d.residual, d.maxFrameSize)
	d.residual = res.Residual
	if res.Resyncs > 0 {
		monitor.FrameResyncs.Add(float64(res.Resyncs))
		d.log.WithField("key", d.key).Warnf("帧尾或长度异常，重新同步 %d 次", res.Resyncs)
	}
	d.checkLimit()
	return Demuxed{Frames: res.Frames}
}

func (d *Demuxer) checkLimit() {
	if len(d.residual) > d.maxBuffered {
		d.log.WithField("key", d.key).Warnf("残留数据超过上限 %d 字节，已丢弃", d.maxBuffered)
		d.residual = nil
	}
}

// Buffered 当前残留字节数
func (d *Demuxer) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.residual)
}

// Reset 清空残留数据
func (d *Demuxer) Reset() {
	d.mu.Lock()
	d.residual = nil
	d.mu.Unlock()
}
