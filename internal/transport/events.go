package transport

import (
	"errors"
	"net"
	"strconv"
)

// Source 事件来源
type Source string

const (
	SourceTCP       Source = "tcp"
	SourceBluetooth Source = "bluetooth"
)

// EventKind 传输层事件类型
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventFrames
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrames:
		return "frames"
	case EventText:
		return "text"
	default:
		return "unknown"
	}
}

// Event 传输层向上层投递的事件。Key 为 host:port 或蓝牙对端标识。
type Event struct {
	Source Source
	Kind   EventKind
	Key    string
	Frames [][]byte
	Texts  []string
}

// Status 连接状态
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected = errors.New("transport: connection is not open")
	ErrConnecting   = errors.New("transport: connection attempt in progress")
	ErrClosed       = errors.New("transport: client closed")
	ErrBridgeDown   = errors.New("transport: bluetooth bridge is not running")
)

// Key 连接标识 host:port
func Key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
