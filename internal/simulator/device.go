package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/parser"
	"instrument-gateway/pkg/protocol"
)

// pointBaseSize 检测点编码中检测点标识的长度
const pointBaseSize = 18

// Stats 统计指标
type Stats struct {
	Connections     int64 // 总连接数
	TasksReceived   int64 // 收到的任务数
	UploadsSent     int64 // 已发送的上传报文
	UploadsAcked    int64 // 网关确认 200 的上传
	UploadsRejected int64 // 网关要求重传的上传
	TotalBytes      int64 // 总发送字节数
}

// Options 模拟仪器参数
type Options struct {
	// Mode 写入检测点编码的检测模式
	Mode        orchestrator.DetectMode
	DeviceCode  string
	UploadDelay time.Duration
	// Compress 多个文件或显式要求时以 zip 上传
	Compress bool
	// Background 附带一个背景文件
	Background   bool
	Width        int
	Height       int
	Ambient      float32
	WriteTimeout time.Duration
	// Handshake 连接建立后先发送请求连接报文
	Handshake bool
}

func DefaultOptions() Options {
	return Options{
		Mode:         orchestrator.ModeTask,
		DeviceCode:   "DEV-01",
		UploadDelay:  time.Second,
		Width:        32,
		Height:       24,
		Ambient:      25,
		WriteTimeout: 5 * time.Second,
	}
}

// Device 仪器端模拟器，等待网关连接后确认任务并上传检测数据
type Device struct {
	opts  Options
	codec *parser.Codec
	gen   *Generator
	genMu sync.Mutex
	stats Stats
	log   *logrus.Logger
	wg    sync.WaitGroup

	now func() time.Time
}

func NewDevice(opts Options, log *logrus.Logger) *Device {
	return &Device{
		opts:  opts,
		codec: parser.NewCodec(log, parser.CRCLenient),
		gen:   NewGenerator(time.Now().UnixNano()),
		log:   log,
		now:   time.Now,
	}
}

// Stats 当前统计的快照
func (d *Device) Stats() Stats {
	return Stats{
		Connections:     atomic.LoadInt64(&d.stats.Connections),
		TasksReceived:   atomic.LoadInt64(&d.stats.TasksReceived),
		UploadsSent:     atomic.LoadInt64(&d.stats.UploadsSent),
		UploadsAcked:    atomic.LoadInt64(&d.stats.UploadsAcked),
		UploadsRejected: atomic.LoadInt64(&d.stats.UploadsRejected),
		TotalBytes:      atomic.LoadInt64(&d.stats.TotalBytes),
	}
}

// Serve 接受网关连接直到 ctx 取消
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				d.wg.Wait()
				return nil
			}
			return fmt.Errorf("接受连接错误: %w", err)
		}
		atomic.AddInt64(&d.stats.Connections, 1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// session 单个网关连接，写入串行化
type session struct {
	conn    net.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (s *session) write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	return s.conn.Write(data)
}

func (d *Device) handleConn(ctx context.Context, conn net.Conn) {
	key := conn.RemoteAddr().String()
	logger := d.log.WithField("gateway", key)
	logger.Info("网关已连接")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s := &session{conn: conn, timeout: d.opts.WriteTimeout}
	if d.opts.Handshake {
		if err := d.send(s, d.RequestConnection()); err != nil {
			logger.WithError(err).Warn("发送请求连接失败")
			return
		}
	}
	demux := parser.NewDemuxer(key, 0, 0, d.log)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out := demux.Feed(buf[:n])
			for _, text := range out.Texts {
				logger.Debugf("收到文本帧: %s", text)
			}
			for _, frame := range out.Frames {
				if err := d.handleFrame(ctx, s, frame); err != nil {
					logger.WithError(err).Warn("处理网关报文失败")
				}
			}
		}
		if err != nil {
			logger.Infof("网关连接关闭: %v", err)
			return
		}
	}
}

func (d *Device) handleFrame(ctx context.Context, s *session, frame []byte) error {
	p, err := d.codec.Parse(frame)
	if err != nil {
		return err
	}

	switch p.MessageType {
	case protocol.TaskIssued:
		atomic.AddInt64(&d.stats.TasksReceived, 1)
		ack := d.codec.BuildWithSequence(protocol.BusinessDataAck, protocol.TaskReceiveAck, protocol.FlagReply, p.Sequence)
		if err := d.send(s, ack); err != nil {
			return err
		}
		d.log.Infof("已确认任务 seq=%d", p.Sequence)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.UploadDelay):
			}
			if err := d.upload(s, p.BusinessData); err != nil {
				d.log.WithError(err).Error("上传检测数据失败")
			}
		}()

	case protocol.FileUploadAck:
		code, _ := protocol.ParseAckCode(p.BusinessData)
		if code == protocol.AckCodeOK {
			atomic.AddInt64(&d.stats.UploadsAcked, 1)
		} else {
			atomic.AddInt64(&d.stats.UploadsRejected, 1)
		}
		d.log.Infof("上传确认 seq=%d code=%d", p.Sequence, code)

	case protocol.RequestConnectionAck:
		d.log.Info("网关已确认连接")

	default:
		return fmt.Errorf("未处理的报文类型: %s", p.MessageType)
	}
	return nil
}

func (d *Device) send(s *session, data []byte) error {
	n, err := s.write(data)
	if err != nil {
		return err
	}
	atomic.AddInt64(&d.stats.TotalBytes, int64(n))
	return nil
}

func (d *Device) upload(s *session, taskXML string) error {
	frame, err := d.Upload(taskXML)
	if err != nil {
		return err
	}
	if err := d.send(s, frame); err != nil {
		return err
	}
	atomic.AddInt64(&d.stats.UploadsSent, 1)
	return nil
}

// RequestConnection 主动请求连接的报文
func (d *Device) RequestConnection() []byte {
	data, _ := d.codec.Build("", protocol.RequestConnection, protocol.FlagRequest)
	return data
}

// Upload 按收到的任务描述为每个检测点生成检测文件，返回上传报文
func (d *Device) Upload(taskXML string) ([]byte, error) {
	desc, err := orchestrator.ParseTaskDescription(taskXML)
	if err != nil {
		return nil, err
	}

	start := d.now().UnixMilli()
	files := make(map[string][]byte)
	seq := int64(0)
	next := func() string {
		seq++
		return strconv.FormatInt(start+seq, 10)
	}

	clearances := desc.MainTask.SubTask.Clearances
	for ci := range clearances {
		points := clearances[ci].TestPoints
		for pi := range points {
			tp := &points[pi]
			ts := next()
			dat, err := d.sample(Sample{
				PointCode:  d.pointCode(tp.ID),
				PointName:  tp.Name,
				DeviceCode: d.opts.DeviceCode,
				Timestamp:  ts,
				Nature:     1,
			})
			if err != nil {
				return nil, err
			}
			tp.FileName = ts + ".dat"
			files[tp.FileName] = dat
		}
	}
	if len(files) == 0 {
		return nil, errors.New("任务中没有检测点")
	}

	if d.opts.Background {
		ts := next()
		dat, err := d.sample(Sample{
			PointCode:  d.pointCode(""),
			DeviceCode: d.opts.DeviceCode,
			Timestamp:  ts,
			Nature:     orchestrator.NatureBackground,
		})
		if err != nil {
			return nil, err
		}
		files[ts+".dat"] = dat
	}

	return BuildUpload(d.codec, desc, files, d.opts.Compress)
}

// BuildUpload 组装上传报文。单个文件且不要求压缩时直接携带 .dat，否则打包为 zip。
func BuildUpload(codec *parser.Codec, desc *orchestrator.TaskDescription, files map[string][]byte, compress bool) ([]byte, error) {
	if len(files) == 0 {
		return nil, errors.New("没有检测文件")
	}

	var (
		detect []byte
		flag   uint8
		err    error
	)
	desc.MainTask.FileCount = strconv.Itoa(len(files))
	if len(files) == 1 && !compress {
		desc.MainTask.FileType = "0"
		for _, dat := range files {
			detect = dat
		}
	} else {
		desc.MainTask.FileType = "1"
		flag = 1
		if detect, err = Zip(files); err != nil {
			return nil, err
		}
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, err
	}
	return codec.BuildPacket(&protocol.Packet{
		Sequence:        codec.NextSequence(),
		RequestFlag:     protocol.FlagRequest,
		MessageType:     protocol.FileUpload,
		CompressionFlag: flag,
		BusinessData:    body,
		DetectData:      detect,
	}), nil
}

func (d *Device) sample(s Sample) ([]byte, error) {
	s.Width, s.Height, s.Ambient = d.opts.Width, d.opts.Height, d.opts.Ambient
	d.genMu.Lock()
	defer d.genMu.Unlock()
	return d.gen.Dat(s)
}

// pointCode 检测点标识 + 模式 + 明细类型 + 明细序号
func (d *Device) pointCode(id string) string {
	base := id
	if len(base) < pointBaseSize {
		base = strings.Repeat("0", pointBaseSize-len(base)) + base
	}
	base = base[:pointBaseSize]
	return fmt.Sprintf("%s%d00", base, int(d.opts.Mode))
}
