package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/simulator"
)

// Simulation 多台模拟仪器，监听连续端口
type Simulation struct {
	Host     string
	BasePort int
	Devices  []*simulator.Device
	Log      *logrus.Logger
}

func NewSimulation(host string, basePort, count int, opts simulator.Options, log *logrus.Logger) *Simulation {
	s := &Simulation{Host: host, BasePort: basePort, Log: log}
	for i := 0; i < count; i++ {
		s.Devices = append(s.Devices, simulator.NewDevice(opts, log))
	}
	return s
}

// Run 运行到 ctx 取消
func (s *Simulation) Run(ctx context.Context) error {
	s.Log.Infof("========================================")
	s.Log.Infof("模拟仪器启动")
	s.Log.Infof("========================================")
	s.Log.Infof("监听地址:   %s:%d 起", s.Host, s.BasePort)
	s.Log.Infof("仪器数量:   %d", len(s.Devices))
	s.Log.Infof("========================================")

	listeners := make([]net.Listener, 0, len(s.Devices))
	for i := range s.Devices {
		addr := net.JoinHostPort(s.Host, fmt.Sprint(s.BasePort+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("监听 %s 失败: %w", addr, err)
		}
		s.Log.Debugf("仪器 %d 监听 %s", i+1, addr)
		listeners = append(listeners, ln)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i, d := range s.Devices {
		d, ln := d, listeners[i]
		eg.Go(func() error { return d.Serve(ctx, ln) })
	}

	go s.monitorStats(ctx)

	err := eg.Wait()
	s.printFinalStats()
	return err
}

func (s *Simulation) total() simulator.Stats {
	var t simulator.Stats
	for _, d := range s.Devices {
		st := d.Stats()
		t.Connections += st.Connections
		t.TasksReceived += st.TasksReceived
		t.UploadsSent += st.UploadsSent
		t.UploadsAcked += st.UploadsAcked
		t.UploadsRejected += st.UploadsRejected
		t.TotalBytes += st.TotalBytes
	}
	return t
}

// monitorStats 定期输出统计信息
func (s *Simulation) monitorStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := s.total()
			s.Log.Infof("连接: %d | 任务: %d | 上传: %d | 确认: %d | 重传请求: %d | 发送: %.2f KB",
				t.Connections, t.TasksReceived, t.UploadsSent, t.UploadsAcked, t.UploadsRejected,
				float64(t.TotalBytes)/1024)
		}
	}
}

func (s *Simulation) printFinalStats() {
	t := s.total()
	s.Log.Infof("========================================")
	s.Log.Infof("模拟结束")
	s.Log.Infof("========================================")
	s.Log.Infof("总连接数:   %d", t.Connections)
	s.Log.Infof("收到任务:   %d", t.TasksReceived)
	s.Log.Infof("上传报文:   %d", t.UploadsSent)
	s.Log.Infof("网关确认:   %d", t.UploadsAcked)
	s.Log.Infof("总字节数:   %.2f MB", float64(t.TotalBytes)/1024/1024)
	if t.UploadsSent > 0 {
		s.Log.Infof("确认率:     %.2f%%", float64(t.UploadsAcked)/float64(t.UploadsSent)*100)
	}
	s.Log.Infof("========================================")
}

func main() {
	// 命令行参数
	host := flag.String("host", "0.0.0.0", "监听地址")
	port := flag.Int("port", 9000, "起始端口")
	devices := flag.Int("devices", 1, "仪器数量")
	mode := flag.Int("mode", int(orchestrator.ModeTask), "检测模式 (1=任务, 2=T95, 3=DMS)")
	delay := flag.Duration("delay", time.Second, "确认任务后到上传的间隔")
	compress := flag.Bool("zip", false, "始终以压缩包上传")
	background := flag.Bool("background", false, "附带背景文件")
	handshake := flag.Bool("handshake", false, "连接后发送请求连接报文")
	deviceCode := flag.String("device-code", "DEV-01", "仪器编码")
	duration := flag.Duration("duration", 0, "运行时长(0表示无限)")
	debug := flag.Bool("debug", false, "调试模式")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := simulator.DefaultOptions()
	opts.Mode = orchestrator.DetectMode(*mode)
	opts.UploadDelay = *delay
	opts.Compress = *compress
	opts.Background = *background
	opts.DeviceCode = *deviceCode
	opts.Handshake = *handshake

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sim := NewSimulation(*host, *port, *devices, opts, log)
	if err := sim.Run(ctx); err != nil {
		log.Errorf("模拟仪器异常退出: %v", err)
		os.Exit(1)
	}
}
