package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/monitor"
	"instrument-gateway/internal/parser"
	"instrument-gateway/pkg/protocol"
)

// 桥接进程标准输出的包类型
const (
	PacketConnected    uint8 = 1
	PacketDisconnected uint8 = 2
	PacketData         uint8 = 3
	PacketAck          uint8 = 4
)

const (
	// PeerIDSize 对端标识（蓝牙 MAC 字符串）占用字节数，不足补 0
	PeerIDSize = 17
	// BridgeHeaderSize 类型字节 + 对端标识
	BridgeHeaderSize = 1 + PeerIDSize
)

// BridgeOptions 蓝牙桥接进程参数
type BridgeOptions struct {
	Command      string
	Args         []string
	RestartDelay time.Duration
	MaxFrameSize uint64
	MaxBuffered  int
	EventBuffer  int
}

// BluetoothBridge 通过外部桥接进程的标准输入输出与蓝牙仪器通信
type BluetoothBridge struct {
	opts  BridgeOptions
	codec *parser.Codec
	log   *logrus.Logger

	mu    sync.Mutex
	stdin io.Writer
	peers map[string]*parser.Demuxer

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

func NewBluetoothBridge(opts BridgeOptions, codec *parser.Codec, log *logrus.Logger) *BluetoothBridge {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &BluetoothBridge{
		opts:   opts,
		codec:  codec,
		log:    log,
		peers:  make(map[string]*parser.Demuxer),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events 蓝牙连接与收帧事件
func (b *BluetoothBridge) Events() <-chan Event {
	return b.events
}

func (b *BluetoothBridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Start 启动桥接进程并在其退出后按固定间隔重启，直到 ctx 取消
func (b *BluetoothBridge) Start(ctx context.Context) error {
	if b.opts.Command == "" {
		return errors.New("未配置蓝牙桥接程序")
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(b.opts.RestartDelay), ctx)
	op := func() error {
		err := b.runOnce(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("桥接进程退出")
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		monitor.Reconnects.WithLabelValues(string(SourceBluetooth)).Inc()
		b.log.Warnf("蓝牙桥接进程异常: %v，%v 后重启", err, next)
	}

	err := backoff.RetryNotify(op, bo, notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *BluetoothBridge) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.opts.Command, b.opts.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("创建标准输入失败: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("创建标准输出失败: %w", err)
	}
	stderr := b.log.WriterLevel(logrus.ErrorLevel)
	defer stderr.Close()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动蓝牙桥接进程失败: %w", err)
	}
	b.log.Infof("蓝牙桥接进程已启动: pid=%d", cmd.Process.Pid)
	monitor.ActiveConnections.WithLabelValues(string(SourceBluetooth)).Inc()

	b.setStdin(stdin)
	consumeErr := b.consume(stdout)
	waitErr := cmd.Wait()
	b.setStdin(nil)
	monitor.ActiveConnections.WithLabelValues(string(SourceBluetooth)).Dec()

	b.resetPeers()
	b.log.Infof("蓝牙桥接进程退出: %v", waitErr)
	b.emit(Event{Source: SourceBluetooth, Kind: EventDisconnected})

	if waitErr != nil {
		return waitErr
	}
	return consumeErr
}

func (b *BluetoothBridge) setStdin(w io.Writer) {
	b.mu.Lock()
	b.stdin = w
	b.mu.Unlock()
}

func (b *BluetoothBridge) resetPeers() {
	b.mu.Lock()
	for _, d := range b.peers {
		d.Reset()
	}
	b.mu.Unlock()
}

// consume 读取 u16 长度前缀的包，直到 EOF
func (b *BluetoothBridge) consume(r io.Reader) error {
	br := bufio.NewReader(r)
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("读取桥接数据长度失败: %w", err)
		}
		packet := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(br, packet); err != nil {
			return fmt.Errorf("读取桥接数据失败: %w", err)
		}
		monitor.BytesReceived.WithLabelValues(string(SourceBluetooth)).Add(float64(len(packet) + 2))
		b.handlePacket(packet)
	}
}

func (b *BluetoothBridge) handlePacket(packet []byte) {
	if len(packet) < BridgeHeaderSize {
		b.log.Warnf("桥接数据过短: % x", packet)
		return
	}
	kind := packet[0]
	peer := string(bytes.ReplaceAll(packet[1:BridgeHeaderSize], []byte{0}, nil))
	payload := packet[BridgeHeaderSize:]

	switch kind {
	case PacketConnected:
		b.peer(peer).Reset()
		b.log.Infof("蓝牙设备已连接: %s", peer)
		b.emit(Event{Source: SourceBluetooth, Kind: EventConnected, Key: peer})
	case PacketDisconnected:
		b.peer(peer).Reset()
		b.log.Infof("蓝牙设备已断开: %s", peer)
		b.emit(Event{Source: SourceBluetooth, Kind: EventDisconnected, Key: peer})
	case PacketData:
		out := b.peer(peer).FeedBinary(payload)
		if len(out.Frames) > 0 {
			monitor.FramesReceived.WithLabelValues(string(SourceBluetooth), "binary").Add(float64(len(out.Frames)))
			b.emit(Event{Source: SourceBluetooth, Kind: EventFrames, Key: peer, Frames: out.Frames})
		}
	case PacketAck:
		if err := b.SendData(b.ackFor(payload)); err != nil {
			b.log.Warnf("回复蓝牙确认失败 [%s]: %v", peer, err)
		}
	default:
		b.log.Errorf("未知桥接数据类型: %d", kind)
	}
}

// ackFor 构造文件接收确认；payload 带有报文头时沿用其序列号
func (b *BluetoothBridge) ackFor(payload []byte) []byte {
	if len(payload) >= 7 && bytes.HasPrefix(payload, protocol.MagicBytes) {
		seq := binary.BigEndian.Uint16(payload[5:7])
		return b.codec.BuildWithSequence(protocol.BusinessDataAck, protocol.FileUploadAck, protocol.FlagReply, seq)
	}
	buf, _ := b.codec.Build(protocol.BusinessDataAck, protocol.FileUploadAck, protocol.FlagReply)
	return buf
}

func (b *BluetoothBridge) peer(id string) *parser.Demuxer {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.peers[id]
	if !ok {
		d = parser.NewDemuxer(id, b.opts.MaxFrameSize, b.opts.MaxBuffered, b.log)
		b.peers[id] = d
	}
	return d
}

// SendData 将完整报文写入桥接进程标准输入
func (b *BluetoothBridge) SendData(data []byte) error {
	b.mu.Lock()
	w := b.stdin
	b.mu.Unlock()
	if w == nil {
		return ErrBridgeDown
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("写入蓝牙桥接进程失败: %w", err)
	}
	b.log.Debugf("发送蓝牙数据: %d 字节", len(data))
	return nil
}

// Close 停止投递事件
func (b *BluetoothBridge) Close() {
	b.once.Do(func() { close(b.done) })
}
