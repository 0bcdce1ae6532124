package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/monitor"
	"instrument-gateway/internal/parser"
)

// tcpConn 一个 host:port 对应的连接状态
type tcpConn struct {
	key       string
	host      string
	port      int
	heartbeat time.Duration

	// 以下字段由 TCPClient.mu 保护
	conn         net.Conn
	status       Status
	reconnecting bool
	stop         chan struct{}

	writeMu sync.Mutex
	demux   *parser.Demuxer
}

// connectionHandler 读取单个套接字直到关闭
type connectionHandler struct {
	c           *tcpConn
	conn        net.Conn
	log         *logrus.Logger
	bufferSize  int
	readTimeout time.Duration
	emit        func(Event)
}

// handle 读循环：读超时忽略，其他错误结束循环并返回
func (h *connectionHandler) handle() error {
	monitor.ActiveConnections.WithLabelValues(string(SourceTCP)).Inc()
	defer monitor.ActiveConnections.WithLabelValues(string(SourceTCP)).Dec()
	h.log.Infof("连接建立: %s", h.c.key)

	buffer := make([]byte, h.bufferSize)
	for {
		if h.readTimeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		}

		n, err := h.conn.Read(buffer)
		if n > 0 {
			monitor.BytesReceived.WithLabelValues(string(SourceTCP)).Add(float64(n))
			h.processData(buffer[:n])
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.log.Debugf("读取超时: %s", h.c.key)
				continue
			}
			if errors.Is(err, io.EOF) {
				h.log.Infof("对端关闭连接: %s", h.c.key)
			} else {
				h.log.Debugf("连接断开: %s, 错误: %v", h.c.key, err)
			}
			return err
		}
	}
}

func (h *connectionHandler) processData(data []byte) {
	out := h.c.demux.Feed(data)
	if len(out.Frames) > 0 {
		monitor.FramesReceived.WithLabelValues(string(SourceTCP), "binary").Add(float64(len(out.Frames)))
		h.emit(Event{Source: SourceTCP, Kind: EventFrames, Key: h.c.key, Frames: out.Frames})
	}
	if len(out.Texts) > 0 {
		monitor.FramesReceived.WithLabelValues(string(SourceTCP), "text").Add(float64(len(out.Texts)))
		h.emit(Event{Source: SourceTCP, Kind: EventText, Key: h.c.key, Texts: out.Texts})
	}
	if out.Empty() {
		h.log.Debugf("未找到完整帧 [%s]: 残留 %d 字节", h.c.key, h.c.demux.Buffered())
	}
}

// write 带写超时发送
func (c *tcpConn) write(conn net.Conn, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := conn.Write(data)
	return err
}
