package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 连接指标
	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "按通道统计的在线仪器连接",
		},
		[]string{"transport"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "重连次数",
		},
		[]string{"transport"},
	)

	// 帧指标
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_received_total",
			Help: "接收的完整帧数",
		},
		[]string{"transport", "kind"},
	)

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_bytes_received_total",
			Help: "各通道读入的原始字节数",
		},
		[]string{"transport"},
	)

	FrameResyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_frame_resyncs_total",
		Help: "帧同步丢弃次数",
	})

	CRCMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_crc_mismatches_total",
		Help: "CRC校验不一致次数",
	})

	// 请求指标
	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_pending_requests",
		Help: "等待确认的任务下发数",
	})

	AckTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ack_timeouts_total",
		Help: "任务确认超时次数",
	})

	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_dispatch_duration_seconds",
		Help:    "任务下发到确认的耗时",
		Buckets: prometheus.DefBuckets,
	})

	PublishRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_publish_retries_total",
		Help: "MQTT发布重试次数",
	})

	FilesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_files_ingested_total",
			Help: "接收的检测数据文件数",
		},
		[]string{"result"},
	)

	// 运行时
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_goroutines",
		Help: "进程内 goroutine 数",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_memory_usage_bytes",
		Help: "堆上已分配字节数",
	})
)

var registerOnce sync.Once

// StatsFunc 健康检查中附带的组件状态
type StatsFunc func(ctx context.Context) map[string]interface{}

type Monitor struct {
	log    *logrus.Logger
	server *http.Server

	mu    sync.RWMutex
	stats map[string]StatsFunc
}

func NewMonitor(log *logrus.Logger) *Monitor {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveConnections,
			Reconnects,
			FramesReceived,
			BytesReceived,
			FrameResyncs,
			CRCMismatches,
			PendingRequests,
			AckTimeouts,
			DispatchDuration,
			PublishRetries,
			FilesIngested,
			GoroutineCount,
			MemoryUsage,
		)
	})

	return &Monitor{log: log, stats: make(map[string]StatsFunc)}
}

// RegisterStats 登记组件状态，/health 输出中以 name 为键
func (m *Monitor) RegisterStats(name string, fn StatsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[name] = fn
}

// Health 汇总已登记组件的状态
func (m *Monitor) Health(ctx context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]interface{}{"status": "OK"}
	for name, fn := range m.stats {
		out[name] = fn(ctx)
	}
	return out
}

// Router 返回 /metrics 与 /health 路由，/health 输出 JSON
func (m *Monitor) Router() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Health(r.Context())); err != nil {
			m.log.WithError(err).Warn("输出健康状态失败")
		}
	})
	return r
}

// StartMetricsServer 在后台提供 /metrics 与 /health
func (m *Monitor) StartMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{
		Addr:              addr,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.WithField("addr", addr).Info("监控接口已监听")

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("监控接口异常退出")
		}
	}()
}

// Shutdown 停止监控接口
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// StartRuntimeMonitor 启动运行时监控，ctx 取消后退出
func (m *Monitor) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleRuntime()
			}
		}
	}()
}

func (m *Monitor) sampleRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	n := runtime.NumGoroutine()

	GoroutineCount.Set(float64(n))
	MemoryUsage.Set(float64(ms.Alloc))

	m.log.WithFields(logrus.Fields{
		"goroutines": n,
		"alloc_mb":   ms.Alloc >> 20,
		"gc":         ms.NumGC,
	}).Debug("运行时采样")
}
