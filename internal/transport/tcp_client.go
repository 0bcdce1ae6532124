package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/debounce"
	"instrument-gateway/internal/monitor"
	"instrument-gateway/internal/parser"
)

// TCPOptions TCP 客户端参数
type TCPOptions struct {
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
	HeartbeatPayload []byte
	ReconnectDelay   time.Duration
	DebounceWindow   time.Duration
	MaxFrameSize     uint64
	MaxBuffered      int
	EventBuffer      int
}

// DefaultTCPOptions 默认参数：5 秒重连间隔，600 毫秒去抖
func DefaultTCPOptions() TCPOptions {
	return TCPOptions{
		DialTimeout:      10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
		HeartbeatPayload: []byte("<heartbeat/>"),
		ReconnectDelay:   5 * time.Second,
		DebounceWindow:   600 * time.Millisecond,
		EventBuffer:      256,
	}
}

// TCPClient 主动连接仪器的 TCP 客户端，按 host:port 管理多个连接
type TCPClient struct {
	opts TCPOptions
	log  *logrus.Logger

	mu     sync.Mutex
	conns  map[string]*tcpConn
	closed bool

	events    chan Event
	reconnect *debounce.Debouncer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewTCPClient(opts TCPOptions, log *logrus.Logger) *TCPClient {
	def := DefaultTCPOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = def.DebounceWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TCPClient{
		opts:      opts,
		log:       log,
		conns:     make(map[string]*tcpConn),
		events:    make(chan Event, opts.EventBuffer),
		reconnect: debounce.New(opts.DebounceWindow),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Events 连接、断开和收帧事件
func (t *TCPClient) Events() <-chan Event {
	return t.events
}

func (t *TCPClient) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// Connect 连接指定地址。已有活动连接时只重新发出 Connected 事件。
// heartbeat 为 0 时不发送心跳。连接失败会安排去抖后的重连并返回错误。
func (t *TCPClient) Connect(ctx context.Context, host string, port int, heartbeat time.Duration) error {
	key := Key(host, port)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	c, ok := t.conns[key]
	if ok && c.status == StatusConnected {
		t.mu.Unlock()
		t.log.Infof("连接 %s 已存在，跳过", key)
		t.emit(Event{Source: SourceTCP, Kind: EventConnected, Key: key})
		return nil
	}
	if ok && c.status == StatusConnecting {
		t.mu.Unlock()
		return ErrConnecting
	}
	if !ok {
		c = &tcpConn{
			key:   key,
			host:  host,
			port:  port,
			demux: parser.NewDemuxer(key, t.opts.MaxFrameSize, t.opts.MaxBuffered, t.log),
		}
		t.conns[key] = c
	}
	c.heartbeat = heartbeat
	c.status = StatusConnecting
	t.mu.Unlock()

	return t.dial(ctx, c)
}

func (t *TCPClient) dial(ctx context.Context, c *tcpConn) error {
	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.key)

	t.mu.Lock()
	if err != nil {
		c.status = StatusDisconnected
		registered := t.conns[c.key] == c
		t.mu.Unlock()
		if registered {
			t.scheduleReconnect(c.key)
		}
		return fmt.Errorf("连接 %s 失败: %w", c.key, err)
	}
	if t.conns[c.key] != c {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("连接 %s 已被移除: %w", c.key, ErrClosed)
	}
	stop := make(chan struct{})
	c.conn = conn
	c.status = StatusConnected
	c.stop = stop
	c.demux.Reset()
	withHeartbeat := c.heartbeat > 0 && len(t.opts.HeartbeatPayload) > 0
	if withHeartbeat {
		t.wg.Add(2)
	} else {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	t.log.Infof("已连接到 %s", c.key)
	t.emit(Event{Source: SourceTCP, Kind: EventConnected, Key: c.key})

	h := &connectionHandler{
		c:           c,
		conn:        conn,
		log:         t.log,
		bufferSize:  t.opts.BufferSize,
		readTimeout: t.opts.ReadTimeout,
		emit:        t.emit,
	}
	go func() {
		defer t.wg.Done()
		h.handle()
		t.onClosed(c, conn)
	}()

	if withHeartbeat {
		go func() {
			defer t.wg.Done()
			t.heartbeatLoop(c, conn, stop)
		}()
	}
	return nil
}

// onClosed 读循环结束后清理；仍在连接表中的连接进入去抖重连
func (t *TCPClient) onClosed(c *tcpConn, conn net.Conn) {
	conn.Close()

	t.mu.Lock()
	if c.conn != conn {
		t.mu.Unlock()
		return
	}
	c.conn = nil
	c.status = StatusDisconnected
	close(c.stop)
	registered := t.conns[c.key] == c && !t.closed
	t.mu.Unlock()

	t.emit(Event{Source: SourceTCP, Kind: EventDisconnected, Key: c.key})
	if registered {
		t.scheduleReconnect(c.key)
	}
}

func (t *TCPClient) scheduleReconnect(key string) {
	t.reconnect.Trigger(key, func() { t.handleReconnection(key) })
}

func (t *TCPClient) handleReconnection(key string) {
	t.mu.Lock()
	c, ok := t.conns[key]
	if !ok || t.closed || c.reconnecting || c.status != StatusDisconnected {
		t.mu.Unlock()
		return
	}
	c.reconnecting = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		c.reconnecting = false
		t.mu.Unlock()
	}()

	t.log.Warnf("连接 %s 断开，%v 后重连", key, t.opts.ReconnectDelay)
	timer := time.NewTimer(t.opts.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-t.ctx.Done():
		return
	}

	t.mu.Lock()
	if t.conns[key] != c || c.status != StatusDisconnected {
		t.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	t.mu.Unlock()

	monitor.Reconnects.WithLabelValues(string(SourceTCP)).Inc()
	t.log.Infof("尝试重连 %s ...", key)
	if err := t.dial(t.ctx, c); err != nil {
		t.log.Errorf("重连失败: %v", err)
	}
}

func (t *TCPClient) heartbeatLoop(c *tcpConn, conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, t.opts.HeartbeatPayload, t.opts.WriteTimeout); err != nil {
				t.log.Debugf("心跳发送失败 [%s]: %v", c.key, err)
				return
			}
		}
	}
}

// Disconnect 主动断开并移除连接，不再重连
func (t *TCPClient) Disconnect(host string, port int) {
	key := Key(host, port)
	t.reconnect.Cancel(key)

	t.mu.Lock()
	c, ok := t.conns[key]
	delete(t.conns, key)
	var conn net.Conn
	if ok {
		conn = c.conn
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
		t.log.Infof("已断开 %s", key)
	}
}

// Send 向已建立的连接写入数据
func (t *TCPClient) Send(host string, port int, data []byte) error {
	key := Key(host, port)

	t.mu.Lock()
	c, ok := t.conns[key]
	var conn net.Conn
	if ok && c.status == StatusConnected {
		conn = c.conn
	}
	t.mu.Unlock()

	if conn == nil {
		t.log.Warnf("连接 %s 未建立，无法发送数据", key)
		return fmt.Errorf("%s: %w", key, ErrNotConnected)
	}
	if err := c.write(conn, data, t.opts.WriteTimeout); err != nil {
		return fmt.Errorf("发送数据到 %s 失败: %w", key, err)
	}
	t.log.Debugf("发送数据 [%s]: %d 字节", key, len(data))
	return nil
}

// Status 查询连接状态
func (t *TCPClient) Status(host string, port int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[Key(host, port)]; ok {
		return c.status
	}
	return StatusDisconnected
}

// Close 断开所有连接并停止重连
func (t *TCPClient) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]net.Conn, 0, len(t.conns))
	for key, c := range t.conns {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
		delete(t.conns, key)
	}
	t.mu.Unlock()

	t.reconnect.Stop()
	t.cancel()
	for _, conn := range conns {
		conn.Close()
	}
	t.wg.Wait()
	return nil
}
