package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"instrument-gateway/internal/broker"
	"instrument-gateway/internal/command"
	"instrument-gateway/internal/config"
	"instrument-gateway/internal/monitor"
	"instrument-gateway/internal/orchestrator"
	"instrument-gateway/internal/parser"
	"instrument-gateway/internal/storage"
	"instrument-gateway/internal/transport"
	"instrument-gateway/internal/upload"
)

// ShutdownTimeout 等待进行中的任务结束的最长时间
const ShutdownTimeout = 30 * time.Second

// Gateway 组装各传输通道与任务编排
type Gateway struct {
	config    *config.Config
	codec     *parser.Codec
	tcp       *transport.TCPClient
	bluetooth *transport.BluetoothBridge
	broker    *broker.Client
	storage   *storage.MessageQueue
	monitor   *monitor.Monitor
	registry  *orchestrator.Registry
	orch      *orchestrator.Orchestrator
	commands  *command.Handler
	log       *logrus.Logger

	// wg 跟踪正在处理的入站报文
	wg sync.WaitGroup
}

func NewGateway(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		monitor: monitor.NewMonitor(log),
		log:     log,
	}

	policy := parser.CRCLenient
	if cfg.Codec.StrictCRC {
		policy = parser.CRCStrict
	}
	g.codec = parser.NewCodec(log, policy)

	// 创建上传队列
	var queue upload.Queue
	if cfg.Redis.Enabled {
		mq, err := storage.NewMessageQueue(ctx, storage.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			Channel:   cfg.Redis.Channel,
			ListLimit: cfg.Redis.ListLimit,
		}, log)
		if err != nil {
			return nil, err
		}
		g.storage = mq
		g.monitor.RegisterStats("redis", mq.GetStats)
		queue = mq
	}

	g.tcp = transport.NewTCPClient(transport.TCPOptions{
		DialTimeout:      cfg.TCP.DialTimeout,
		ReadTimeout:      cfg.TCP.ReadTimeout,
		WriteTimeout:     cfg.TCP.WriteTimeout,
		BufferSize:       cfg.TCP.BufferSize,
		HeartbeatPayload: []byte(cfg.TCP.HeartbeatPayload),
		ReconnectDelay:   cfg.TCP.ReconnectDelay,
		DebounceWindow:   cfg.TCP.DebounceWindow,
		MaxFrameSize:     cfg.Codec.MaxFrameSize,
		MaxBuffered:      cfg.TCP.MaxBuffered,
		EventBuffer:      256,
	}, log)

	var bt orchestrator.BluetoothSender
	if cfg.Bluetooth.Enabled {
		g.bluetooth = transport.NewBluetoothBridge(transport.BridgeOptions{
			Command:      cfg.Bluetooth.Command,
			Args:         cfg.Bluetooth.Args,
			RestartDelay: cfg.Bluetooth.RestartDelay,
			MaxFrameSize: cfg.Codec.MaxFrameSize,
			MaxBuffered:  cfg.TCP.MaxBuffered,
			EventBuffer:  256,
		}, g.codec, log)
		bt = g.bluetooth
	}

	var publisher upload.Publisher
	if cfg.MQTT.Enabled {
		bcfg := broker.DefaultConfig()
		bcfg.RetryDelay = cfg.MQTT.RetryDelay
		bcfg.ReconnectDelay = cfg.MQTT.ReconnectDelay
		bcfg.DebounceWindow = cfg.MQTT.DebounceWindow
		g.broker = broker.NewClient(bcfg, nil, log)
		publisher = g.broker
	}

	g.registry = orchestrator.NewRegistry(fallbackParams(cfg.TCP.Devices))

	uploader := upload.NewPipeline(upload.Config{
		Host:       cfg.MQTT.Host,
		Port:       cfg.MQTT.Port,
		DeviceCode: cfg.MQTT.DeviceCode,
		Retries:    cfg.MQTT.Retries,
		QoS:        cfg.MQTT.QoS,
	}, queue, publisher, log)

	g.orch = orchestrator.New(orchestrator.Config{
		AckTimeout: cfg.Orchestrator.AckTimeout,
		TempDir:    cfg.Orchestrator.TempDir,
	}, g.codec, g.tcp, bt, g.registry, uploader, log)

	if g.broker != nil {
		g.commands = command.NewHandler(command.Config{
			Host:       cfg.MQTT.Host,
			Port:       cfg.MQTT.Port,
			DeviceCode: cfg.MQTT.DeviceCode,
			Retries:    cfg.MQTT.Retries,
			QoS:        cfg.MQTT.QoS,
			Heartbeat:  cfg.TCP.HeartbeatInterval,
		}, g.orch, g.registry, g.tcp, g.broker, log)
	}

	return g, nil
}

// fallbackParams 未登记工单时使用第一台配置的仪器
func fallbackParams(devices []config.DeviceConfig) *orchestrator.TransportParams {
	if len(devices) == 0 {
		return nil
	}
	d := devices[0]
	status := orchestrator.WorkRunning
	return &orchestrator.TransportParams{
		Host:       d.Host,
		Port:       d.Port,
		Mode:       orchestrator.DetectMode(d.Mode),
		WorkStatus: &status,
	}
}

// Orchestrator 任务编排器
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orch
}

// Run 启动各通道并阻塞到 ctx 取消，随后优雅关闭
func (g *Gateway) Run(ctx context.Context) error {
	// 启动监控
	if g.config.Monitor.Enabled {
		g.monitor.StartMetricsServer(g.config.Monitor.MetricsPort)
		g.monitor.StartRuntimeMonitor(ctx, g.config.Monitor.SampleInterval)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return g.consumeTransport(ctx, g.tcp.Events()) })
	if g.bluetooth != nil {
		eg.Go(func() error { return g.bluetooth.Start(ctx) })
		eg.Go(func() error { return g.consumeTransport(ctx, g.bluetooth.Events()) })
	}
	if g.broker != nil {
		eg.Go(func() error { return g.consumeBroker(ctx) })
		g.connectBroker(ctx)
	}

	for _, d := range g.config.TCP.Devices {
		if err := g.tcp.Connect(ctx, d.Host, d.Port, g.config.TCP.HeartbeatInterval); err != nil {
			g.log.Warnf("连接仪器 %s:%d 失败，等待重连: %v", d.Host, d.Port, err)
		}
	}
	g.log.Infof("网关启动成功 (仪器: %d, 蓝牙: %v, MQTT: %v)",
		len(g.config.TCP.Devices), g.bluetooth != nil, g.broker != nil)

	<-ctx.Done()
	g.shutdown()

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// brokerOptions 设备编码只用于主题，不参与代理地址
func brokerOptions(cfg config.MQTTConfig) broker.Options {
	return broker.Options{
		ClientID:     cfg.ClientIDPrefix,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Protocol:     cfg.Protocol,
		Path:         cfg.Path,
		KeepAlive:    cfg.KeepAlive,
		CleanSession: true,
	}
}

func (g *Gateway) connectBroker(ctx context.Context) {
	cfg := g.config.MQTT
	err := g.broker.Connect(ctx, cfg.Host, cfg.Port, brokerOptions(cfg))
	if err != nil {
		g.log.Warnf("MQTT代理暂不可用，等待重连: %v", err)
	}
}

// consumeTransport 持续读取传输层事件，事件通道必须被及时消费
func (g *Gateway) consumeTransport(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.handleEvent(ctx, ev)
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, ev transport.Event) {
	logger := g.log.WithFields(logrus.Fields{"source": ev.Source, "key": ev.Key})
	switch ev.Kind {
	case transport.EventConnected:
		logger.Info("仪器已连接")
	case transport.EventDisconnected:
		logger.Warn("仪器连接断开")
	case transport.EventText:
		for _, text := range ev.Texts {
			logger.Debugf("收到文本帧: %s", text)
		}
	case transport.EventFrames:
		origin := orchestrator.Origin{Source: ev.Source, Key: ev.Key}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			// 同一事件内的帧按顺序处理
			for _, frame := range ev.Frames {
				if err := g.orch.HandleProtocolResponse(ctx, frame, origin); err != nil {
					logger.WithError(err).Warn("处理设备报文失败")
				}
			}
		}()
	}
}

func (g *Gateway) consumeBroker(ctx context.Context) error {
	topic := command.TaskTopic(g.config.MQTT.DeviceCode)
	handler := g.commands.MessageHandler(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-g.broker.Events():
			switch ev.Kind {
			case broker.EventConnect:
				// 重复订阅直接返回，重连后由客户端恢复
				go func(host string, port int) {
					if err := g.broker.Subscribe(host, port, topic, handler, g.config.MQTT.Retries); err != nil {
						g.log.WithError(err).Error("订阅任务主题失败")
					}
				}(ev.Host, ev.Port)
			case broker.EventDisconnect:
				g.log.Warnf("MQTT代理断开: %s:%d", ev.Host, ev.Port)
			case broker.EventMessage:
				g.log.Debugf("未处理的MQTT消息: %s", ev.Topic)
			}
		}
	}
}

func (g *Gateway) shutdown() {
	g.log.Info("开始优雅关闭...")

	// 等待进行中的报文处理与任务指令（最多30秒）
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		if g.commands != nil {
			g.commands.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("进行中的任务已结束")
	case <-time.After(ShutdownTimeout):
		g.log.Warn("关闭超时，强制退出")
	}

	if err := g.tcp.Close(); err != nil {
		g.log.Errorf("关闭仪器连接失败: %v", err)
	}
	if g.bluetooth != nil {
		g.bluetooth.Close()
	}
	if g.broker != nil {
		g.broker.DisconnectAll()
	}
	if g.storage != nil {
		if err := g.storage.Close(); err != nil {
			g.log.Errorf("关闭存储连接失败: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.monitor.Shutdown(ctx); err != nil {
		g.log.Errorf("关闭Metrics服务器失败: %v", err)
	}

	g.log.Info("网关已关闭")
}

