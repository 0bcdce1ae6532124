package broker

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotConnected    = errors.New("broker: connection is not open")
	ErrNoResponse      = errors.New("broker: no response after retries")
	ErrPublishFailed   = errors.New("broker: publish failed")
	ErrSubscribeFailed = errors.New("broker: subscribe failed")
	ErrTokenTimeout    = errors.New("broker: token wait timed out")
)

// 回调结果码
const (
	CodeOK           = 200
	CodeFailed       = 501
	CodeNoResponse   = 502
	CodePublishError = 503
)

const (
	MsgOK           = "成功"
	MsgFailed       = "失败"
	MsgNoResponse   = "重试3次，工具箱未响应！"
	MsgPublishError = "发布错误"

	ResultOK = "OK"
)

// Result 带确认发布的最终结果
type Result struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// RequestConfig 发布后等待确认主题的配置
type RequestConfig struct {
	// Topic 确认消息所在主题
	Topic string
	// LoadText 等待期间的提示文本
	LoadText string
	Callback func(Result)
}

// ResponseParam 确认消息中的结果
type ResponseParam struct {
	Result string `json:"result"`
}

// ResponseMessage 工具箱返回的确认消息
type ResponseMessage struct {
	Mid       string        `json:"mid"`
	DeviceID  string        `json:"deviceId"`
	Timestamp int64         `json:"timestamp"`
	Param     ResponseParam `json:"param"`
}

// Result 将确认消息换算为回调结果
func (m *ResponseMessage) Result() Result {
	if m.Param.Result == ResultOK {
		return Result{Code: CodeOK, Msg: MsgOK}
	}
	return Result{Code: CodeFailed, Msg: MsgFailed}
}

// Envelope 平台通用消息外壳
type Envelope struct {
	Mid       string `json:"mid"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type,omitempty"`
	Param     any    `json:"param"`
}

// NewEnvelope 生成带新消息 ID 的外壳
func NewEnvelope(deviceID, msgType string, param any) Envelope {
	return Envelope{
		Mid:       uuid.NewString(),
		DeviceID:  deviceID,
		Timestamp: time.Now().UnixMilli(),
		Type:      msgType,
		Param:     param,
	}
}

// EventKind 连接事件类型
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventMessage
)

// Event 连接状态变化或无处理函数的订阅消息
type Event struct {
	Kind    EventKind
	Host    string
	Port    int
	Topic   string
	Payload []byte
}

// Handler 订阅消息处理函数
type Handler func(topic string, payload []byte)

// Options 连接参数
type Options struct {
	ClientID       string
	Username       string
	Password       string
	Protocol       string
	// Path 代理地址的 URL 路径，如 websocket 的 /mqtt
	Path           string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	CleanSession   bool
}
