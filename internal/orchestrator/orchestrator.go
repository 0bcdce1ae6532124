package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/monitor"
	"instrument-gateway/internal/parser"
	"instrument-gateway/internal/transport"
	"instrument-gateway/pkg/protocol"
)

var (
	ErrAckTimeout        = errors.New("orchestrator: no task acknowledgement before timeout")
	ErrDuplicateSequence = errors.New("orchestrator: sequence already pending")
	ErrUnexpectedMessage = errors.New("orchestrator: unexpected message type")
	ErrTooManyBackground = errors.New("orchestrator: more than one background file")
	ErrWorkStatus        = errors.New("orchestrator: work order status does not accept data")
	ErrNoBluetooth       = errors.New("orchestrator: bluetooth bridge not configured")
	ErrUnknownMode       = errors.New("orchestrator: unknown detect mode")
)

// ValidationError 检测数据校验失败，已向设备回复 300
type ValidationError struct {
	Sequence uint16
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("检测数据校验失败 seq=%d: %v", e.Sequence, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FileRecorder 参数来源可选实现，记录已处理的文件以便重复上传时跳过
type FileRecorder interface {
	RecordFile(workID, subWorkID, pointBase, timestamp string)
}

// Origin 入站报文的来源，确认报文沿原通道返回
type Origin struct {
	Source transport.Source
	// Key TCP 为 host:port，蓝牙为对端标识
	Key string
}

// Config 编排器参数
type Config struct {
	AckTimeout time.Duration
	TempDir    string
}

func DefaultConfig() Config {
	return Config{
		AckTimeout: 20 * time.Second,
		TempDir:    "temp",
	}
}

// Orchestrator 任务下发与检测数据接收
type Orchestrator struct {
	cfg       Config
	codec     *parser.Codec
	tcp       TCPSender
	bluetooth BluetoothSender
	params    ParamsProvider
	uploader  Uploader
	pending   *pendingTracker
	log       *logrus.Logger

	now     func() time.Time
	newUUID func() string
}

// New 创建编排器，bluetooth 和 uploader 可以为 nil
func New(cfg Config, codec *parser.Codec, tcp TCPSender, bluetooth BluetoothSender, params ParamsProvider, uploader Uploader, log *logrus.Logger) *Orchestrator {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	return &Orchestrator{
		cfg:       cfg,
		codec:     codec,
		tcp:       tcp,
		bluetooth: bluetooth,
		params:    params,
		uploader:  uploader,
		pending:   newPendingTracker(),
		log:       log,
		now:       time.Now,
		newUUID:   uuid.NewString,
	}
}

// Pending 当前等待确认的任务数
func (o *Orchestrator) Pending() int {
	return o.pending.len()
}

// Dispatch 下发任务并等待设备确认
func (o *Orchestrator) Dispatch(ctx context.Context, work WorkOrder, sub SubWork, points []Point) error {
	start := time.Now()
	defer func() {
		monitor.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	params, err := o.params.Params(ctx, work.WorkID, sub.SubWorkID)
	if err != nil {
		return fmt.Errorf("获取通信参数失败: %w", err)
	}

	biz, err := BuildTaskDescription(work, sub, points, params.Mode).Marshal()
	if err != nil {
		return err
	}
	frame, seq := o.codec.Build(biz, protocol.TaskIssued, protocol.FlagRequest)

	// 先登记再发送，确认可能先于 Send 返回到达
	req, err := o.pending.register(seq, points)
	if err != nil {
		return fmt.Errorf("%w: seq=%d", err, seq)
	}

	logger := o.log.WithFields(logrus.Fields{
		"work_id":     work.WorkID,
		"sub_work_id": sub.SubWorkID,
		"seq":         seq,
		"mode":        params.Mode,
	})

	if err := o.send(params, frame); err != nil {
		o.pending.remove(req)
		return fmt.Errorf("下发任务失败: %w", err)
	}
	logger.Infof("任务已下发，检测点 %d 个", len(points))

	timer := time.NewTimer(o.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		logger.Info("设备已确认接收任务")
		return nil
	case <-timer.C:
	case <-ctx.Done():
		o.pending.remove(req)
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	default:
	}
	o.pending.remove(req)
	monitor.AckTimeouts.Inc()
	logger.WithField("points", len(points)).Warnf("等待任务确认超时 (%s)", o.cfg.AckTimeout)
	return fmt.Errorf("%w: seq=%d after %s", ErrAckTimeout, seq, o.cfg.AckTimeout)
}

// 模式 2 经蓝牙桥接，其余经 TCP
func (o *Orchestrator) send(params TransportParams, data []byte) error {
	if params.Mode == ModeT95 {
		if o.bluetooth == nil {
			return ErrNoBluetooth
		}
		return o.bluetooth.SendData(data)
	}
	return o.tcp.Send(params.Host, params.Port, data)
}

// HandleProtocolResponse 处理设备发来的一条完整报文
func (o *Orchestrator) HandleProtocolResponse(ctx context.Context, frame []byte, origin Origin) error {
	p, err := o.codec.Parse(frame)
	if err != nil {
		if p != nil && errors.Is(err, parser.ErrCRCMismatch) && p.MessageType == protocol.FileUpload {
			if ackErr := o.reply(origin, nil, protocol.FileUploadAck, protocol.AckCodeCRCRetry, p.Sequence); ackErr != nil {
				o.log.WithError(ackErr).Warn("回复 CRC 重传请求失败")
			}
		}
		return err
	}

	logger := o.log.WithFields(logrus.Fields{
		"seq":    p.Sequence,
		"type":   p.MessageType.String(),
		"source": origin.Source,
		"key":    origin.Key,
	})

	switch p.MessageType {
	case protocol.TaskReceiveAck:
		req, ok := o.pending.resolve(p.Sequence)
		if !ok {
			logger.Debug("确认报文无对应的待确认任务")
			return nil
		}
		logger.Debugf("任务确认，检测点 %d 个", len(req.points))
		return nil

	case protocol.FileUpload:
		logger.Debugf("收到检测数据，业务数据 %d 字节，检测数据 %d 字节", len(p.BusinessData), len(p.DetectData))
		return o.ingest(ctx, p, origin)

	case protocol.RequestConnection:
		logger.Info("设备请求连接")
		return o.reply(origin, nil, protocol.RequestConnectionAck, protocol.AckCodeOK, p.Sequence)

	default:
		return fmt.Errorf("%w: %s (0x%08X)", ErrUnexpectedMessage, p.MessageType, uint32(p.MessageType))
	}
}

// reply 沿来源通道回复确认，来源不明时使用通信参数中的地址
func (o *Orchestrator) reply(origin Origin, params *TransportParams, msgType protocol.MessageType, code int, seq uint16) error {
	data := o.codec.BuildWithSequence(protocol.AckBusinessData(code), msgType, protocol.FlagReply, seq)

	switch origin.Source {
	case transport.SourceBluetooth:
		if o.bluetooth == nil {
			return ErrNoBluetooth
		}
		return o.bluetooth.SendData(data)
	case transport.SourceTCP:
		host, portStr, err := net.SplitHostPort(origin.Key)
		if err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				return o.tcp.Send(host, port, data)
			}
		}
	}

	if params == nil || params.Host == "" {
		return fmt.Errorf("无法确定确认报文的发送目标: %q", origin.Key)
	}
	if params.Mode == ModeT95 && o.bluetooth != nil {
		return o.bluetooth.SendData(data)
	}
	return o.tcp.Send(params.Host, params.Port, data)
}
