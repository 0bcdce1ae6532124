// Package command 处理平台经 MQTT 下发的检测任务指令。
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/broker"
	"instrument-gateway/internal/orchestrator"
)

const (
	MessageTypeTask   = "TASK_DISPATCH"
	MessageTypeResult = "TASK_RESULT"
)

// 任务结果码
const (
	CodeOK      = 200
	CodeInvalid = 400
	CodeTimeout = 408
	CodeFailed  = 500
)

// TaskTopic 任务指令主题
func TaskTopic(deviceCode string) string {
	return fmt.Sprintf("/v1/%s/mt/task", deviceCode)
}

// ResultTopic 任务结果主题
func ResultTopic(deviceCode string) string {
	return fmt.Sprintf("/v1/%s/mt/task/result", deviceCode)
}

// TaskParam 任务指令内容
type TaskParam struct {
	Work      orchestrator.WorkOrder       `json:"work"`
	SubWork   orchestrator.SubWork         `json:"subWork"`
	Points    []orchestrator.Point         `json:"points"`
	Transport orchestrator.TransportParams `json:"transport"`
}

// TaskCommand 平台下发的任务指令
type TaskCommand struct {
	Mid       string    `json:"mid"`
	DeviceID  string    `json:"deviceId"`
	Timestamp int64     `json:"timestamp"`
	Type      string    `json:"type"`
	Param     TaskParam `json:"param"`
}

// ResultParam 任务执行结果
type ResultParam struct {
	RequestMid string `json:"requestMid"`
	WorkID     string `json:"workId,omitempty"`
	SubWorkID  string `json:"subWorkId,omitempty"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

// Dispatcher 任务下发
type Dispatcher interface {
	Dispatch(ctx context.Context, work orchestrator.WorkOrder, sub orchestrator.SubWork, points []orchestrator.Point) error
}

// ParamsStore 通信参数登记
type ParamsStore interface {
	Set(workID, subWorkID string, p orchestrator.TransportParams)
}

// Connector 按需建立到仪器的 TCP 连接，已连接时直接返回
type Connector interface {
	Connect(ctx context.Context, host string, port int, heartbeat time.Duration) error
}

// Publisher MQTT 发布
type Publisher interface {
	Publish(ctx context.Context, host string, port int, topic string, message any, req *broker.RequestConfig, retries int, qos byte) error
}

// Config 结果回传目标
type Config struct {
	Host       string
	Port       int
	DeviceCode string
	Retries    int
	QoS        byte
	// Heartbeat 按需连接的仪器使用的心跳间隔
	Heartbeat time.Duration
}

// Handler 接收任务指令，登记通信参数后下发，并回传结果
type Handler struct {
	cfg        Config
	dispatcher Dispatcher
	store      ParamsStore
	connector  Connector
	publisher  Publisher
	log        *logrus.Logger
	wg         sync.WaitGroup
}

// NewHandler connector 为 nil 时不主动连接仪器
func NewHandler(cfg Config, dispatcher Dispatcher, store ParamsStore, connector Connector, publisher Publisher, log *logrus.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		dispatcher: dispatcher,
		store:      store,
		connector:  connector,
		publisher:  publisher,
		log:        log,
	}
}

// MessageHandler 返回订阅回调。下发需要等待设备确认，放到独立 goroutine 执行。
func (h *Handler) MessageHandler(ctx context.Context) broker.Handler {
	return func(topic string, payload []byte) {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.Handle(ctx, topic, payload)
		}()
	}
}

// Wait 等待进行中的指令处理结束
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Handle 处理一条任务指令
func (h *Handler) Handle(ctx context.Context, topic string, payload []byte) {
	var cmd TaskCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.log.WithField("topic", topic).WithError(err).Warn("任务指令格式错误")
		h.reply(ctx, ResultParam{Code: CodeInvalid, Msg: "指令格式错误"})
		return
	}

	p := cmd.Param
	result := ResultParam{
		RequestMid: cmd.Mid,
		WorkID:     p.Work.WorkID,
		SubWorkID:  p.SubWork.SubWorkID,
	}
	logger := h.log.WithFields(logrus.Fields{
		"mid":         cmd.Mid,
		"work_id":     p.Work.WorkID,
		"sub_work_id": p.SubWork.SubWorkID,
	})

	if cmd.Type != "" && cmd.Type != MessageTypeTask {
		logger.Warnf("忽略未知指令类型: %s", cmd.Type)
		return
	}
	if p.Work.WorkID == "" || p.SubWork.SubWorkID == "" {
		result.Code, result.Msg = CodeInvalid, "缺少工单号"
		h.reply(ctx, result)
		return
	}

	h.store.Set(p.Work.WorkID, p.SubWork.SubWorkID, p.Transport)
	h.connect(ctx, p.Transport, logger)

	err := h.dispatcher.Dispatch(ctx, p.Work, p.SubWork, p.Points)
	switch {
	case err == nil:
		result.Code, result.Msg = CodeOK, "成功"
	case errors.Is(err, orchestrator.ErrAckTimeout):
		result.Code, result.Msg = CodeTimeout, "设备未确认任务"
	default:
		result.Code, result.Msg = CodeFailed, err.Error()
	}
	if err != nil {
		logger.WithError(err).Error("任务下发失败")
	}
	h.reply(ctx, result)
}

// connect T95 模式走蓝牙，其余模式先确保 TCP 连接存在
func (h *Handler) connect(ctx context.Context, t orchestrator.TransportParams, logger *logrus.Entry) {
	if h.connector == nil || t.Mode == orchestrator.ModeT95 || t.Host == "" {
		return
	}
	if err := h.connector.Connect(ctx, t.Host, t.Port, h.cfg.Heartbeat); err != nil {
		logger.WithError(err).Warnf("连接仪器 %s:%d 失败", t.Host, t.Port)
	}
}

func (h *Handler) reply(ctx context.Context, result ResultParam) {
	msg := broker.NewEnvelope(h.cfg.DeviceCode, MessageTypeResult, result)
	if err := h.publisher.Publish(ctx, h.cfg.Host, h.cfg.Port, ResultTopic(h.cfg.DeviceCode), msg, nil, h.cfg.Retries, h.cfg.QoS); err != nil {
		h.log.WithError(err).Warn("任务结果回传失败")
	}
}
