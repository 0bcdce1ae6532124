package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/config"
	"instrument-gateway/internal/server"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

const logTimeFormat = "2006-01-02 15:04:05"

func main() {
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本信息")
	checkOnly := flag.Bool("check", false, "只校验配置文件")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Instrument Gateway v%s (Build: %s)\n", Version, BuildTime)
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if *checkOnly {
		if err != nil {
			fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("配置有效")
		return
	}
	if err != nil {
		// 配置缺失时仍可用默认值启动，便于现场调试
		fmt.Fprintf(os.Stderr, "加载配置失败: %v, 使用默认配置\n", err)
		cfg = config.GetDefaultConfig()
	}

	log, closeLog := setupLogger(cfg.Log)
	defer closeLog()

	log.WithFields(logrus.Fields{
		"version":     Version,
		"build":       BuildTime,
		"config":      *configFile,
		"devices":     len(cfg.TCP.Devices),
		"bluetooth":   cfg.Bluetooth.Enabled,
		"mqtt":        cfg.MQTT.Enabled,
		"redis":       cfg.Redis.Enabled,
		"strict_crc":  cfg.Codec.StrictCRC,
		"ack_timeout": cfg.Orchestrator.AckTimeout,
	}).Info("Instrument Gateway 启动中...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := server.NewGateway(ctx, cfg, log)
	if err != nil {
		log.Fatalf("创建网关失败: %v", err)
	}
	if err := gw.Run(ctx); err != nil {
		log.Fatalf("网关运行失败: %v", err)
	}
}

// setupLogger 按配置创建日志，返回的函数关闭日志文件
func setupLogger(cfg config.LogConfig) (*logrus.Logger, func()) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: logTimeFormat})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: logTimeFormat})
	}

	closer := func() {}
	switch cfg.Output {
	case "stderr":
		log.SetOutput(os.Stderr)
	case "file":
		if cfg.FilePath == "" {
			break
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			log.Warnf("创建日志目录失败: %v, 使用标准输出", err)
			break
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			log.Warnf("打开日志文件失败: %v, 使用标准输出", err)
			break
		}
		log.SetOutput(io.MultiWriter(os.Stdout, file))
		closer = func() { file.Close() }
	}

	return log, closer
}
